package reqctx

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrResourceExhausted indicates a refcount operation on an instance that
	// was already destroyed. It always means a stale handle is in use.
	ErrResourceExhausted = errors.New("context instance already released")

	// ErrSpawnFailed indicates the executor rejected a unit of work.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrCarrierMismatch indicates a save or install on a target that does not hold context.
	ErrCarrierMismatch = errors.New("carrier does not hold context")

	// ErrClosureReused indicates a propagation closure was restored more than once.
	ErrClosureReused = errors.New("propagation closure already consumed")

	// ErrPoolClosed is returned by a Pool that no longer accepts work.
	ErrPoolClosed = errors.New("pool closed")

	// ErrQueueFull is returned by a Pool lane whose queue is at capacity.
	ErrQueueFull = errors.New("lane queue full")

	// ErrNoSuchLane is returned when SubmitOn names a lane the executor does not have.
	ErrNoSuchLane = errors.New("no such lane")
)

// LifecycleError reports a refcount contract violation on one instance.
type LifecycleError struct {
	Op         string
	InstanceID string
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s on instance %s: %v", e.Op, e.InstanceID, ErrResourceExhausted)
}

// Unwrap returns the sentinel error for errors.Is() support.
func (e *LifecycleError) Unwrap() error {
	return ErrResourceExhausted
}

// SpawnError wraps an executor rejection.
type SpawnError struct {
	Mode  string
	Lane  int
	Cause error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	if e.Lane >= 0 {
		return fmt.Sprintf("spawn (%s, lane %d) failed: %v", e.Mode, e.Lane, e.Cause)
	}

	return fmt.Sprintf("spawn (%s) failed: %v", e.Mode, e.Cause)
}

// Unwrap exposes both the sentinel and the executor's cause.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Cause}
}

// PanicError carries a panic recovered from a unit of work.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

// IsResourceExhausted checks if an error is a refcount contract violation.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsSpawnFailed checks if an error is an executor rejection.
func IsSpawnFailed(err error) bool {
	return errors.Is(err, ErrSpawnFailed)
}

// IsCarrierMismatch checks if an error is a capability mismatch.
func IsCarrierMismatch(err error) bool {
	return errors.Is(err, ErrCarrierMismatch)
}
