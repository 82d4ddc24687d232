package reqctx

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// installed returns a context with a bound carrier and a fresh instance
// installed, and the caller's handle to it.
func installed(t *testing.T) (context.Context, *Handle) {
	t.Helper()

	ctx, c := Bind(context.Background())
	h := New()
	c.Install(h)

	t.Cleanup(func() {
		c.Install(nil)
		h.Finalize()
	})

	return ctx, h
}

type rejectingExecutor struct {
	err error
}

func (e rejectingExecutor) Submit(*Task) error { return e.err }

func (e rejectingExecutor) SubmitOn(int, *Task) error { return e.err }

func TestSpawn_SeesAmbientContext(t *testing.T) {
	ctx, h := installed(t)
	require.NoError(t, Store(ctx, RequestIDKey, "req-1"))

	parentCarrier := CarrierFromContext(ctx)

	unit, err := Spawn(ctx, func(ctx context.Context) error {
		assert.NotSame(t, parentCarrier, CarrierFromContext(ctx))

		got, ok := Lookup(ctx, RequestIDKey)
		assert.True(t, ok)
		assert.Equal(t, "req-1", got)
		assert.Equal(t, h.ID(), Current(ctx).ID())

		// The unit aliases the parent's instance.
		return Store(ctx, TraceIDKey, "from-unit")
	})
	require.NoError(t, err)
	require.NoError(t, unit.Wait())

	assert.NotEmpty(t, unit.ID())
	assert.Equal(t, -1, unit.Lane())

	got, _ := Lookup(ctx, TraceIDKey)
	assert.Equal(t, "from-unit", got)

	// Every reference taken for the unit is gone.
	assert.Equal(t, int64(2), h.Refs())
}

func TestSpawn_CapturesAtSpawnTime(t *testing.T) {
	ctx, h := installed(t)
	gate := make(chan struct{})

	unit, err := Spawn(ctx, func(ctx context.Context) error {
		<-gate
		assert.Equal(t, h.ID(), Current(ctx).ID())
		return nil
	})
	require.NoError(t, err)

	other := New()
	defer other.Finalize()
	Install(ctx, other)

	close(gate)
	require.NoError(t, unit.Wait())
}

func TestSpawn_EmptyAmbientContext(t *testing.T) {
	ctx, _ := Bind(context.Background())

	unit, err := Spawn(ctx, func(ctx context.Context) error {
		assert.NotNil(t, CarrierFromContext(ctx))
		assert.Nil(t, Current(ctx))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, unit.Wait())

	// No carrier at all behaves the same.
	unit, err = Spawn(context.Background(), func(ctx context.Context) error {
		assert.Nil(t, Current(ctx))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, unit.Wait())
}

func TestSpawn_UnitOutlivesParent(t *testing.T) {
	ctx, c := Bind(context.Background())
	h := New()
	c.Install(h)

	destroyed := make(chan struct{})
	require.NoError(t, h.Instance().OnDestroy(func() { close(destroyed) }))

	gate := make(chan struct{})
	unit, err := Spawn(ctx, func(ctx context.Context) error {
		<-gate
		return Store(ctx, RequestIDKey, "late")
	})
	require.NoError(t, err)

	c.Install(nil)
	h.Finalize()

	select {
	case <-destroyed:
		t.Fatal("instance destroyed while a unit still holds it")
	default:
	}

	close(gate)
	require.NoError(t, unit.Wait())
	<-destroyed
}

func TestSpawn_ReturnsError(t *testing.T) {
	ctx, _ := installed(t)
	boom := errors.New("boom")

	unit, err := Spawn(ctx, func(context.Context) error { return boom })
	require.NoError(t, err)

	assert.ErrorIs(t, unit.Wait(), boom)
	assert.ErrorIs(t, unit.WaitContext(context.Background()), boom)

	select {
	case <-unit.Done():
	default:
		t.Fatal("done should be closed")
	}
}

func TestSpawn_RecoversPanic(t *testing.T) {
	ctx, h := installed(t)

	unit, err := Spawn(ctx, func(context.Context) error {
		panic("unit exploded")
	})
	require.NoError(t, err)

	err = unit.Wait()

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "unit exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, int64(2), h.Refs())
}

func TestUnit_WaitContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	unit, err := Spawn(context.Background(), func(context.Context) error {
		<-gate
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, unit.WaitContext(ctx), context.Canceled)
}

func TestSpawner_Rejected(t *testing.T) {
	ctx, h := installed(t)
	spawner := NewSpawner(rejectingExecutor{err: ErrQueueFull}, nil)

	var ran bool
	unit, err := spawner.Spawn(ctx, func(context.Context) error {
		ran = true
		return nil
	})

	assert.Nil(t, unit)
	assert.False(t, ran)
	assert.True(t, IsSpawnFailed(err))
	assert.ErrorIs(t, err, ErrQueueFull)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "anywhere", spawnErr.Mode)
	assert.Equal(t, -1, spawnErr.Lane)

	// The captured reference was released.
	assert.Equal(t, int64(2), h.Refs())
}

func TestSpawner_SpawnOnWithoutLanes(t *testing.T) {
	ctx, h := installed(t)
	spawner := NewSpawner(GoExecutor{}, nil)

	_, err := spawner.SpawnOn(ctx, 2, func(context.Context) error { return nil })

	assert.True(t, IsSpawnFailed(err))
	assert.ErrorIs(t, err, ErrNoSuchLane)
	assert.Contains(t, err.Error(), "lane 2")
	assert.Equal(t, int64(2), h.Refs())
}

func TestWrap_WithErrgroup(t *testing.T) {
	ctx, h := installed(t)
	require.NoError(t, Store(ctx, RequestIDKey, "req-1"))

	var (
		mu   sync.Mutex
		seen []string
	)

	var g errgroup.Group
	for range 8 {
		g.Go(Wrap(ctx, func(ctx context.Context) error {
			got, _ := Lookup(ctx, RequestIDKey)

			mu.Lock()
			seen = append(seen, got)
			mu.Unlock()

			return nil
		}))
	}

	require.NoError(t, g.Wait())
	assert.Len(t, seen, 8)

	for _, got := range seen {
		assert.Equal(t, "req-1", got)
	}

	assert.Equal(t, int64(2), h.Refs())
}

func TestWrap_ReturnsError(t *testing.T) {
	boom := errors.New("boom")
	fn := Wrap(context.Background(), func(context.Context) error { return boom })

	assert.ErrorIs(t, fn(), boom)
}

func TestWrap_CalledTwicePanics(t *testing.T) {
	ctx, _ := installed(t)
	fn := Wrap(ctx, func(context.Context) error { return nil })

	require.NoError(t, fn())
	assert.PanicsWithError(t, ErrClosureReused.Error(), func() { _ = fn() })
}

func TestPropagation_RestoreTwicePanics(t *testing.T) {
	h := New()
	defer h.Finalize()

	clone, err := h.Clone()
	require.NoError(t, err)

	p := newPropagation(clone)
	c := NewCarrier()

	p.restore(c)
	assert.Equal(t, h.ID(), c.Current().ID())
	assert.PanicsWithError(t, ErrClosureReused.Error(), func() { p.restore(c) })

	// Discarding a consumed closure is a no-op.
	p.discard()
	c.Install(nil)
	assert.Equal(t, int64(1), h.Refs())
}

func TestTask_Holder(t *testing.T) {
	ctx, h := installed(t)

	replacement := New()
	defer replacement.Finalize()
	Set(replacement.Instance(), RequestIDKey, "replaced")

	task := NewTask(ctx, func(ctx context.Context) error {
		got, _ := Lookup(ctx, RequestIDKey)
		assert.Equal(t, "replaced", got)
		return nil
	})

	saved := task.SaveContext()
	assert.Equal(t, h.ID(), saved.ID())
	saved.Finalize()

	task.InstallContext(replacement)
	assert.Equal(t, int64(2), h.Refs())

	require.NoError(t, GoExecutor{}.Submit(task))
	require.NoError(t, task.Unit().Wait())

	// A started task no longer holds a context.
	assert.Nil(t, task.SaveContext())
	task.InstallContext(h)
	assert.Equal(t, int64(2), h.Refs())
	assert.Equal(t, int64(1), replacement.Refs())

	assert.PanicsWithError(t, ErrClosureReused.Error(), func() { task.Run(NewCarrier()) })
}

func TestSpawn_FirstCaptureIsSpawningInstance(t *testing.T) {
	ctx, h := installed(t)

	pool := NewPool(PoolConfig{Lanes: 4, QueueSize: 128})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	spawners := map[string]*Spawner{
		"go":   NewSpawner(GoExecutor{}, nil),
		"pool": NewSpawner(pool, nil),
	}

	for name, s := range spawners {
		t.Run(name, func(t *testing.T) {
			units := make([]*Unit, 0, 100)
			seen := make([]string, 100)

			for i := range 100 {
				unit, err := s.Spawn(ctx, func(ctx context.Context) error {
					got := Capture(ctx)
					defer got.Finalize()

					seen[i] = got.ID()

					return nil
				})
				require.NoError(t, err)

				units = append(units, unit)
			}

			for _, u := range units {
				require.NoError(t, u.Wait())
			}

			for i, id := range seen {
				assert.Equal(t, h.ID(), id, "trial %d", i)
			}
		})
	}
}
