package reqctx

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
	"github.com/jsamuelsen/go-reqscope/internal/platform/metrics"
)

// propagation is the context captured at spawn time together with its
// one-shot restore. It must be consumed exactly once: restored on the new
// carrier, or discarded when the unit never starts.
type propagation struct {
	handle *Handle
	used   atomic.Bool
}

func newPropagation(h *Handle) *propagation {
	return &propagation{handle: h}
}

// restore installs the captured context into c and drops the closure's own
// reference, since the slot now holds one.
func (p *propagation) restore(c *Carrier) {
	if !p.used.CompareAndSwap(false, true) {
		panic(ErrClosureReused)
	}
	defer p.handle.Finalize()

	c.Install(p.handle)
}

func (p *propagation) discard() {
	if p.used.CompareAndSwap(false, true) {
		p.handle.Finalize()
	}
}

// Unit is the caller's view of a spawned unit of work.
type Unit struct {
	id   string
	lane int
	done chan struct{}
	err  error
}

func newUnit(lane int) *Unit {
	return &Unit{
		id:   uuid.New().String(),
		lane: lane,
		done: make(chan struct{}),
	}
}

// ID returns the unit identity.
func (u *Unit) ID() string {
	return u.id
}

// Lane returns the lane the unit was pinned to, or -1.
func (u *Unit) Lane() int {
	return u.lane
}

// Done is closed when the unit has finished.
func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the unit finishes and returns its error.
func (u *Unit) Wait() error {
	<-u.done
	return u.err
}

// WaitContext is Wait bounded by ctx.
func (u *Unit) WaitContext(ctx context.Context) error {
	select {
	case <-u.done:
		return u.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Unit) complete(err error) {
	u.err = err
	close(u.done)
}

// Task is a unit of work waiting for a carrier. It embeds the context it
// will run under, captured when the task is created, and implements Holder
// so that context can be inspected or replaced before the task starts.
type Task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	unit *Unit

	mu      sync.Mutex
	prop    *propagation
	started bool
}

// NewTask captures the ambient context of ctx for fn.
func NewTask(ctx context.Context, fn func(ctx context.Context) error) *Task {
	return newTask(ctx, -1, fn)
}

func newTask(ctx context.Context, lane int, fn func(ctx context.Context) error) *Task {
	return &Task{
		ctx:  ctx,
		fn:   fn,
		unit: newUnit(lane),
		prop: newPropagation(Capture(ctx)),
	}
}

// Unit returns the task's unit handle.
func (t *Task) Unit() *Unit {
	return t.unit
}

// SaveContext implements Holder.
func (t *Task) SaveContext() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	return t.prop.handle.mustClone()
}

// InstallContext implements Holder. It has no effect once the task started.
func (t *Task) InstallContext(h *Handle) {
	var next *Handle
	if h != nil {
		next = h.mustClone()
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		next.Finalize()

		return
	}

	prev := t.prop
	t.prop = newPropagation(next)
	t.mu.Unlock()

	prev.discard()
}

// Run executes the task on c. Executors call it exactly once, on the
// goroutine that owns c. The captured context is installed before fn runs
// and the slot is cleared after it returns, before the unit reports done.
func (t *Task) Run(c *Carrier) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		panic(ErrClosureReused)
	}

	t.started = true
	prop := t.prop
	t.mu.Unlock()

	prop.restore(c)
	err := t.call(WithCarrier(t.ctx, c))
	c.Install(nil)

	t.unit.complete(err)
}

// discard releases the captured context of a task that will never run.
func (t *Task) discard(err error) {
	t.mu.Lock()
	t.started = true
	prop := t.prop
	t.mu.Unlock()

	prop.discard()
	t.unit.complete(err)
}

func (t *Task) call(ctx context.Context) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		// Refcount violations are programming errors; never swallow them.
		if lifecycleErr, ok := r.(*LifecycleError); ok {
			panic(lifecycleErr)
		}

		stack := debug.Stack()
		logging.FromContext(ctx).ErrorContext(ctx, "unit panicked",
			slog.Any("error", r),
			slog.String("stack", string(stack)),
			slog.String("unit_id", t.unit.id),
		)

		err = &PanicError{Value: r, Stack: stack}
	}()

	return t.fn(ctx)
}

// Executor schedules tasks onto carriers. Submit lets the executor choose
// the carrier; SubmitOn pins the task to one lane. A returned error means
// the task will never run.
type Executor interface {
	Submit(task *Task) error
	SubmitOn(lane int, task *Task) error
}

// GoExecutor runs every task on a new goroutine with a fresh carrier. It
// has no lanes.
type GoExecutor struct{}

// Submit implements Executor.
func (GoExecutor) Submit(task *Task) error {
	go task.Run(NewCarrier())
	return nil
}

// SubmitOn implements Executor.
func (GoExecutor) SubmitOn(lane int, _ *Task) error {
	return fmt.Errorf("%w: %d", ErrNoSuchLane, lane)
}

// Spawner starts functions as new units of work that see the spawning
// goroutine's ambient context from their first statement.
type Spawner struct {
	exec   Executor
	logger *slog.Logger
}

// NewSpawner creates a spawner over exec.
func NewSpawner(exec Executor, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Spawner{exec: exec, logger: logger}
}

// Spawn runs fn on a carrier chosen by the executor.
func (s *Spawner) Spawn(ctx context.Context, fn func(ctx context.Context) error) (*Unit, error) {
	return s.submit(ctx, metrics.ModeAnywhere, -1, fn)
}

// SpawnOn runs fn on the given lane.
func (s *Spawner) SpawnOn(ctx context.Context, lane int, fn func(ctx context.Context) error) (*Unit, error) {
	return s.submit(ctx, metrics.ModePinned, lane, fn)
}

func (s *Spawner) submit(ctx context.Context, mode string, lane int, fn func(ctx context.Context) error) (*Unit, error) {
	task := newTask(ctx, lane, fn)

	var err error
	if mode == metrics.ModePinned {
		err = s.exec.SubmitOn(lane, task)
	} else {
		err = s.exec.Submit(task)
	}

	metrics.RecordSpawn(mode, err)

	if err != nil {
		spawnErr := &SpawnError{Mode: mode, Lane: lane, Cause: err}
		task.discard(spawnErr)

		s.loggerFor(ctx).WarnContext(ctx, "spawn rejected",
			slog.String("mode", mode),
			slog.Int("lane", lane),
			slog.Any("error", err),
		)

		return nil, spawnErr
	}

	s.loggerFor(ctx).Log(ctx, logging.LevelTrace, "unit spawned",
		slog.String("unit_id", task.unit.id),
		slog.String("mode", mode),
	)

	return task.unit, nil
}

func (s *Spawner) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger
	}

	return s.logger
}

var defaultSpawner = NewSpawner(GoExecutor{}, nil)

// Spawn runs fn on a new goroutine with the ambient context of ctx installed.
func Spawn(ctx context.Context, fn func(ctx context.Context) error) (*Unit, error) {
	return defaultSpawner.Spawn(ctx, fn)
}

// Wrap captures the ambient context of ctx now and returns a function for
// any goroutine-starting primitive (errgroup.Go, go statement). When called,
// it binds a fresh carrier, installs the captured context, then runs fn.
// The returned function must be called exactly once.
func Wrap(ctx context.Context, fn func(ctx context.Context) error) func() error {
	task := NewTask(ctx, fn)
	metrics.RecordSpawn(metrics.ModeWrapped, nil)

	return func() error {
		task.Run(NewCarrier())
		return task.unit.err
	}
}
