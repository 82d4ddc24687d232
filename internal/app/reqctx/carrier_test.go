package reqctx

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCarrier_CaptureEmpty(t *testing.T) {
	c := NewCarrier()

	assert.Nil(t, c.Capture())
	assert.Nil(t, c.Current())
}

func TestCarrier_InstallRetains(t *testing.T) {
	c := NewCarrier()
	h := New()

	c.Install(h)
	assert.Equal(t, int64(2), h.Refs())

	captured := c.Capture()
	assert.Equal(t, h.ID(), captured.ID())
	assert.Equal(t, int64(3), h.Refs())
	captured.Finalize()

	// The caller's handle can go; the slot keeps the instance alive.
	id := h.ID()
	h.Finalize()
	require.NotNil(t, c.Current())
	assert.Equal(t, id, c.Current().ID())
	assert.Equal(t, int64(1), c.Current().Refs())

	c.Install(nil)
	assert.Nil(t, c.Current())
}

func TestCarrier_InstallReleasesPrevious(t *testing.T) {
	c := NewCarrier()

	first := New()
	defer first.Finalize()
	second := New()
	defer second.Finalize()

	c.Install(first)
	c.Install(second)

	assert.Equal(t, int64(1), first.Refs())
	assert.Equal(t, int64(2), second.Refs())
	assert.Equal(t, second.ID(), c.Current().ID())

	// Reinstalling the same instance keeps exactly one slot reference.
	c.Install(second)
	assert.Equal(t, int64(2), second.Refs())

	c.Install(nil)
	assert.Equal(t, int64(1), second.Refs())
}

func TestCaptureInstall_ViaContext(t *testing.T) {
	ctx, c := Bind(context.Background())
	assert.Same(t, c, CarrierFromContext(ctx))
	assert.NotEmpty(t, c.ID())

	assert.Nil(t, Capture(ctx))
	assert.Nil(t, Current(ctx))

	h := New()
	defer h.Finalize()

	Install(ctx, h)
	defer Install(ctx, nil)

	captured := Capture(ctx)
	defer captured.Finalize()
	assert.Equal(t, h.ID(), captured.ID())

	// Round trip: installing a capture does not change what is installed.
	Install(ctx, captured)
	assert.Equal(t, h.ID(), Current(ctx).ID())
}

func TestWithoutCarrier(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, CarrierFromContext(ctx))
	assert.Nil(t, CarrierFromContext(nil)) //nolint:staticcheck // Testing nil guard intentionally
	assert.Nil(t, Capture(ctx))

	h := New()
	defer h.Finalize()

	assert.NotPanics(t, func() { Install(ctx, h) })
	assert.Equal(t, int64(1), h.Refs())
}

func TestLookupStore(t *testing.T) {
	ctx, _ := Bind(context.Background())

	err := Store(ctx, RequestIDKey, "req-1")
	require.ErrorIs(t, err, ErrNoContext)

	h := New()
	defer h.Finalize()
	Install(ctx, h)
	defer Install(ctx, nil)

	require.NoError(t, Store(ctx, RequestIDKey, "req-1"))

	got, ok := Lookup(ctx, RequestIDKey)
	assert.True(t, ok)
	assert.Equal(t, "req-1", got)

	got, _ = Get(h.Instance(), RequestIDKey)
	assert.Equal(t, "req-1", got)
}

func TestLogAttrs(t *testing.T) {
	ctx, _ := Bind(context.Background())
	assert.Nil(t, LogAttrs(ctx))

	h := New()
	defer h.Finalize()
	Install(ctx, h)
	defer Install(ctx, nil)

	require.NoError(t, Store(ctx, RequestIDKey, "req-1"))
	require.NoError(t, Store(ctx, TraceIDKey, ""))

	attrs := LogAttrs(ctx)
	require.Len(t, attrs, 2)
	assert.True(t, attrs[0].Equal(slog.String("context_id", h.ID())))
	assert.True(t, attrs[1].Equal(slog.String("request_id", "req-1")))
}
