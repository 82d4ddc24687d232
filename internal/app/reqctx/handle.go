package reqctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
	"github.com/jsamuelsen/go-reqscope/internal/platform/metrics"
)

var leakDetection atomic.Bool

func init() {
	leakDetection.Store(true)
}

// SetLeakDetection controls whether new handles register a runtime cleanup
// that releases them if they become unreachable without Finalize.
func SetLeakDetection(enabled bool) {
	leakDetection.Store(enabled)
}

// Handle is one counted reference to an Instance. The nil *Handle is the
// empty handle: it refers to nothing and every method on it is safe.
//
// Each handle owns exactly one release token. Finalize and the leak cleanup
// both try to consume it; whichever gets there first releases the
// reference and the other is a no-op.
type Handle struct {
	inst    *Instance
	token   *releaseToken
	cleanup runtime.Cleanup
	tracked bool
}

type releaseToken struct {
	inst     *Instance
	released atomic.Bool
}

func (t *releaseToken) consume() bool {
	return t.released.CompareAndSwap(false, true)
}

// Acquire builds an instance with factory and wraps it in a handle holding
// the first reference. The factory sees a context that cannot be cancelled,
// so a cancelled caller never leaves a half-built handle behind.
func Acquire(ctx context.Context, factory func(ctx context.Context) (*Instance, error)) (*Handle, error) {
	inst, err := factory(context.WithoutCancel(ctx))
	if err != nil {
		return nil, fmt.Errorf("building context instance: %w", err)
	}

	if inst == nil {
		return nil, errors.New("building context instance: factory returned nil")
	}

	if err := inst.adopt(); err != nil {
		return nil, err
	}

	return wrap(inst, "acquire"), nil
}

// New returns a handle to a fresh empty instance.
func New() *Handle {
	inst := NewInstance()
	_ = inst.adopt()

	return wrap(inst, "new")
}

func wrap(inst *Instance, op string) *Handle {
	tok := &releaseToken{inst: inst}
	h := &Handle{inst: inst, token: tok}

	if leakDetection.Load() {
		h.cleanup = runtime.AddCleanup(h, releaseLeaked, tok)
		h.tracked = true
	}

	metrics.HandlesCreated.WithLabelValues(op).Inc()

	return h
}

func releaseLeaked(tok *releaseToken) {
	if !tok.consume() {
		return
	}

	metrics.HandlesLeaked.Inc()
	logging.FromContext(context.Background()).Warn("context handle collected without Finalize",
		slog.String("instance_id", tok.inst.id),
	)

	tok.inst.release()
}

// IsEmpty reports whether h is the empty handle.
func (h *Handle) IsEmpty() bool {
	return h == nil
}

// Instance returns the referenced instance, borrowed for as long as h is
// not finalized. It is nil for the empty handle. Using the instance after
// its last reference is gone panics with a *LifecycleError.
func (h *Handle) Instance() *Instance {
	if h == nil {
		return nil
	}

	return h.inst
}

// ID returns the instance identity, or "" for the empty handle.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}

	return h.inst.id
}

// Refs returns the instance's current reference count, or 0 for the empty
// handle. It is a snapshot for diagnostics.
func (h *Handle) Refs() int64 {
	if h == nil {
		return 0
	}

	return h.inst.Refs()
}

// Released reports whether Finalize (or the leak cleanup) already ran.
func (h *Handle) Released() bool {
	return h != nil && h.token.released.Load()
}

// Clone returns a second handle to the same instance. Writes through either
// are visible through the other. Cloning the empty handle yields the empty handle.
func (h *Handle) Clone() (*Handle, error) {
	if h == nil {
		return nil, nil
	}
	// h must stay reachable until retain, or its leak cleanup could drop
	// the last reference first.
	defer runtime.KeepAlive(h)

	if h.token.released.Load() {
		return nil, &LifecycleError{Op: "clone", InstanceID: h.inst.id}
	}

	if err := h.inst.retain("clone"); err != nil {
		return nil, err
	}

	return wrap(h.inst, "clone"), nil
}

// mustClone is Clone for callers that already hold a live reference, where a
// failure can only mean the refcount is corrupt.
func (h *Handle) mustClone() *Handle {
	c, err := h.Clone()
	if err != nil {
		panic(err)
	}

	return c
}

// ShallowCopy returns a handle to a new instance that starts with this
// instance's slots and diverges on every later write, in either direction.
// The empty handle copies to a fresh empty instance.
func (h *Handle) ShallowCopy() (*Handle, error) {
	var inst *Instance

	if h == nil {
		inst = NewInstance()
	} else {
		defer runtime.KeepAlive(h)

		if h.token.released.Load() {
			return nil, &LifecycleError{Op: "shallow-copy", InstanceID: h.inst.id}
		}

		inst = h.inst.shallowCopy()
	}

	if err := inst.adopt(); err != nil {
		return nil, err
	}

	return wrap(inst, "shallow-copy"), nil
}

// Finalize releases this handle's reference. The instance is destroyed when
// the last reference goes. Calling Finalize again is a no-op.
func (h *Handle) Finalize() {
	if h == nil || !h.token.consume() {
		return
	}

	if h.tracked {
		h.cleanup.Stop()
	}

	h.inst.release()
}

// With runs body with the instance pinned by an extra reference, so a
// concurrent Finalize of other holders cannot destroy it mid-call. body
// receives nil for the empty handle.
func (h *Handle) With(body func(inst *Instance) error) error {
	if h == nil {
		return body(nil)
	}
	defer runtime.KeepAlive(h)

	if h.token.released.Load() {
		return &LifecycleError{Op: "with", InstanceID: h.inst.id}
	}

	if err := h.inst.retain("with"); err != nil {
		return err
	}
	defer h.inst.release()

	return body(h.inst)
}

// LogValue implements slog.LogValuer.
func (h *Handle) LogValue() slog.Value {
	if h == nil {
		return slog.StringValue("empty")
	}

	return slog.GroupValue(
		slog.String("instance_id", h.inst.id),
		slog.Int64("refs", h.Refs()),
		slog.Bool("released", h.Released()),
	)
}
