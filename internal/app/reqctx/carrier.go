package reqctx

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrNoContext is returned by Store when the carrier has nothing installed.
var ErrNoContext = errors.New("no ambient context installed")

type ctxKey struct{}

// Carrier is the ambient slot of one execution carrier: a goroutine that
// serves a request. It is a storage cell for a handle, not a handle itself.
//
// Go has no goroutine-local storage, so a carrier is bound into the
// context.Context its goroutine runs with. A carrier must only be used by
// the goroutine it was bound for; other goroutines get their own through
// Spawn or Wrap.
type Carrier struct {
	id string

	mu   sync.Mutex
	slot *Handle // the slot's own reference
}

// NewCarrier returns a carrier with nothing installed.
func NewCarrier() *Carrier {
	return &Carrier{id: uuid.New().String()}
}

// ID returns the carrier identity.
func (c *Carrier) ID() string {
	return c.id
}

// Capture returns a new handle aliasing the installed instance, or the empty
// handle when nothing is installed. The caller owns the result.
func (c *Carrier) Capture() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot == nil {
		return nil
	}

	return c.slot.mustClone()
}

// Install makes h the ambient context of this carrier. The slot takes its
// own reference; the caller still owns h and must finalize it. Installing
// the empty handle clears the slot. The previous slot reference is released.
func (c *Carrier) Install(h *Handle) {
	var next *Handle
	if h != nil {
		next = h.mustClone()
	}

	c.mu.Lock()
	prev := c.slot
	c.slot = next
	c.mu.Unlock()

	prev.Finalize()
}

// Current returns the installed instance, borrowed until the next Install.
func (c *Carrier) Current() *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.slot.Instance()
}

// SaveContext implements Holder.
func (c *Carrier) SaveContext() *Handle {
	return c.Capture()
}

// InstallContext implements Holder.
func (c *Carrier) InstallContext(h *Handle) {
	c.Install(h)
}

// WithCarrier binds c into ctx.
func WithCarrier(ctx context.Context, c *Carrier) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CarrierFromContext extracts the bound carrier, returns nil if not present.
func CarrierFromContext(ctx context.Context) *Carrier {
	if ctx == nil {
		return nil
	}

	if c, ok := ctx.Value(ctxKey{}).(*Carrier); ok {
		return c
	}

	return nil
}

// Bind gives the calling goroutine a fresh carrier.
func Bind(ctx context.Context) (context.Context, *Carrier) {
	c := NewCarrier()

	return WithCarrier(ctx, c), c
}

// Capture reads the ambient context of the carrier bound to ctx. It returns
// the empty handle when no carrier is bound or nothing is installed.
func Capture(ctx context.Context) *Handle {
	c := CarrierFromContext(ctx)
	if c == nil {
		return nil
	}

	return c.Capture()
}

// Install writes h into the carrier bound to ctx. Without a carrier the
// call is a no-op reported as a carrier mismatch.
func Install(ctx context.Context, h *Handle) {
	c := CarrierFromContext(ctx)
	if c == nil {
		reportMismatch(ctx, "install", ctx)
		return
	}

	c.Install(h)
}

// Current returns the ambient instance, or nil.
func Current(ctx context.Context) *Instance {
	c := CarrierFromContext(ctx)
	if c == nil {
		return nil
	}

	return c.Current()
}

// Lookup reads a typed slot of the ambient instance.
func Lookup[T any](ctx context.Context, key Key[T]) (T, bool) {
	return Get(Current(ctx), key)
}

// Store writes a typed slot of the ambient instance.
func Store[T any](ctx context.Context, key Key[T], v T) error {
	inst := Current(ctx)
	if inst == nil {
		return ErrNoContext
	}

	Set(inst, key, v)

	return nil
}

// LogAttrs returns the well-known slots of the ambient instance as log
// attributes. It is the attribute source for logging.ContextAttrHandler.
func LogAttrs(ctx context.Context) []slog.Attr {
	inst := Current(ctx)
	if inst == nil {
		return nil
	}

	attrs := []slog.Attr{slog.String("context_id", inst.ID())}

	for _, key := range []Key[string]{RequestIDKey, CorrelationIDKey, TraceIDKey} {
		if v, ok := Get(inst, key); ok && v != "" {
			attrs = append(attrs, slog.String(key.Name(), v))
		}
	}

	return attrs
}
