package reqctx

// Key is a typed slot name.
type Key[T any] struct {
	name string
}

// NewKey returns a key for slot name.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the slot name.
func (k Key[T]) Name() string {
	return k.name
}

// Well-known slots written by the HTTP adapter and read by logging.
var (
	RequestIDKey     = NewKey[string]("request_id")
	CorrelationIDKey = NewKey[string]("correlation_id")
	TraceIDKey       = NewKey[string]("trace_id")
)

// Get reads a typed slot. A slot holding another type reads as absent.
func Get[T any](inst *Instance, key Key[T]) (T, bool) {
	var zero T

	if inst == nil {
		return zero, false
	}

	v, ok := inst.Value(key.name)
	if !ok {
		return zero, false
	}

	typed, ok := v.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}

// Set writes a typed slot.
func Set[T any](inst *Instance, key Key[T], v T) {
	inst.SetValue(key.name, v)
}
