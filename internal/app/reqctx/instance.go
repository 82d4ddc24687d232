package reqctx

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jsamuelsen/go-reqscope/internal/platform/metrics"
)

// Instance is one request's slot store. Instances are shared through
// handles; the refcount lives here and is the only state shared across
// carriers without exclusive ownership.
//
// Slots are copy-on-write: a shallow copy points at the same map until
// either side writes, at which point the writer takes a private copy.
type Instance struct {
	id string

	mu     sync.RWMutex
	slots  map[string]any
	shared bool // slots is also referenced by another instance
	hooks  []func()

	refs      atomic.Int64
	destroyed atomic.Bool
}

// live counts instances that have been acquired and not yet destroyed.
var live atomic.Int64

// LiveInstances returns the number of instances currently alive in the
// process. It returns to its baseline once every request has finished and
// every spawned unit has completed.
func LiveInstances() int64 {
	return live.Load()
}

// NewInstance returns an empty, unowned instance. Wrap it with Acquire.
func NewInstance() *Instance {
	return newInstance(nil, false)
}

func newInstance(slots map[string]any, shared bool) *Instance {
	return &Instance{
		id:     uuid.New().String(),
		slots:  slots,
		shared: shared,
	}
}

// ID returns the instance identity. Two handles alias iff their IDs match.
func (inst *Instance) ID() string {
	return inst.id
}

// Value returns the slot stored under name. Like every slot access, it
// panics with a *LifecycleError once the instance is destroyed.
func (inst *Instance) Value(name string) (any, bool) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	inst.mustBeLive("get")

	v, ok := inst.slots[name]

	return v, ok
}

// SetValue overwrites one slot. Shallow copies of this instance are unaffected.
func (inst *Instance) SetValue(name string, v any) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.mustBeLive("set")
	inst.ownSlotsLocked()
	inst.slots[name] = v
}

// Delete removes one slot.
func (inst *Instance) Delete(name string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.mustBeLive("delete")

	if _, ok := inst.slots[name]; !ok {
		return
	}

	inst.ownSlotsLocked()
	delete(inst.slots, name)
}

// Keys returns the slot names in sorted order.
func (inst *Instance) Keys() []string {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	inst.mustBeLive("keys")

	return slices.Sorted(maps.Keys(inst.slots))
}

// Snapshot returns a copy of all slots.
func (inst *Instance) Snapshot() map[string]any {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	inst.mustBeLive("snapshot")

	return maps.Clone(inst.slots)
}

// GetOrFetch returns the slot stored under name or runs fetch and stores its
// result. Concurrent callers may both fetch; the first stored value wins.
func (inst *Instance) GetOrFetch(ctx context.Context, name string, fetch func(ctx context.Context) (any, error)) (any, error) {
	// Fast path: already memoized
	if cached, ok := inst.Value(name); ok {
		return cached, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if existing, ok := inst.slots[name]; ok {
		return existing, nil
	}

	inst.mustBeLive("fetch")
	inst.ownSlotsLocked()
	inst.slots[name] = value

	return value, nil
}

// OnDestroy registers fn to run once when the last reference is released.
// Hooks run in reverse registration order. Shallow copies do not inherit them.
func (inst *Instance) OnDestroy(fn func()) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.destroyed.Load() {
		return &LifecycleError{Op: "on-destroy", InstanceID: inst.id}
	}

	inst.hooks = append(inst.hooks, fn)

	return nil
}

// Refs returns the current reference count.
func (inst *Instance) Refs() int64 {
	return inst.refs.Load()
}

// shallowCopy returns a new unowned instance sharing this instance's slots.
func (inst *Instance) shallowCopy() *Instance {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.mustBeLive("shallow-copy")
	inst.shared = true

	return newInstance(inst.slots, true)
}

// ownSlotsLocked gives the instance a private slot map before a write.
func (inst *Instance) ownSlotsLocked() {
	if inst.slots != nil && !inst.shared {
		return
	}

	owned := make(map[string]any, len(inst.slots)+1)
	maps.Copy(owned, inst.slots)
	inst.slots = owned
	inst.shared = false
}

func (inst *Instance) mustBeLive(op string) {
	if inst.destroyed.Load() {
		panic(&LifecycleError{Op: op, InstanceID: inst.id})
	}
}

// adopt takes the first reference on a freshly built instance.
func (inst *Instance) adopt() error {
	if inst.destroyed.Load() || !inst.refs.CompareAndSwap(0, 1) {
		return &LifecycleError{Op: "acquire", InstanceID: inst.id}
	}

	live.Add(1)
	metrics.InstancesLive.Inc()

	return nil
}

// retain adds a reference. It never resurrects an instance at zero.
func (inst *Instance) retain(op string) error {
	for {
		n := inst.refs.Load()
		if n <= 0 {
			return &LifecycleError{Op: op, InstanceID: inst.id}
		}

		if inst.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// release drops a reference and destroys the instance at zero.
func (inst *Instance) release() {
	n := inst.refs.Add(-1)

	switch {
	case n == 0:
		inst.destroy()
	case n < 0:
		panic(&LifecycleError{Op: "release", InstanceID: inst.id})
	}
}

func (inst *Instance) destroy() {
	inst.mu.Lock()
	inst.destroyed.Store(true)
	hooks := inst.hooks
	inst.hooks = nil
	inst.slots = nil
	inst.mu.Unlock()

	live.Add(-1)
	metrics.InstancesLive.Dec()
	metrics.InstancesDestroyed.Inc()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
