package reqctx

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
	"github.com/jsamuelsen/go-reqscope/internal/platform/metrics"
)

// Holder is implemented by anything a context can be saved from or
// installed into: a carrier, a queued task, a request object.
//
// Generic propagation code goes through TrySave and TryInstall, so it works
// the same over a carrier's ambient slot, a custom object's embedded field,
// or a target that opts out.
type Holder interface {
	// SaveContext returns a new handle to the held context (the caller owns
	// it), or the empty handle when nothing is held.
	SaveContext() *Handle

	// InstallContext replaces the held context. The holder takes its own
	// reference; the caller still owns h.
	InstallContext(h *Handle)
}

type nopHolder struct{}

func (nopHolder) SaveContext() *Handle { return nil }

func (nopHolder) InstallContext(*Handle) {}

// Nop is a Holder that explicitly does not hold context. Save and install
// on it behave like on any non-holder.
var Nop Holder = nopHolder{}

// MismatchPolicy decides what happens when save or install targets a value
// that does not hold context. The operation itself is always a no-op.
type MismatchPolicy int32

const (
	// MismatchSilent ignores mismatches.
	MismatchSilent MismatchPolicy = iota

	// MismatchReport logs mismatches at debug level and counts them.
	MismatchReport
)

// String returns the config spelling of the policy.
func (p MismatchPolicy) String() string {
	if p == MismatchReport {
		return "report"
	}

	return "silent"
}

// ParseMismatchPolicy parses "silent" or "report".
func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch strings.ToLower(s) {
	case "", "silent":
		return MismatchSilent, nil
	case "report":
		return MismatchReport, nil
	default:
		return MismatchSilent, fmt.Errorf("unknown mismatch policy %q", s)
	}
}

var mismatchPolicy atomic.Int32

// SetMismatchPolicy sets the process-wide mismatch policy.
func SetMismatchPolicy(p MismatchPolicy) {
	mismatchPolicy.Store(int32(p))
}

// CurrentMismatchPolicy returns the process-wide mismatch policy.
func CurrentMismatchPolicy() MismatchPolicy {
	return MismatchPolicy(mismatchPolicy.Load())
}

func reportMismatch(ctx context.Context, op string, target any) {
	if CurrentMismatchPolicy() != MismatchReport {
		return
	}

	metrics.CarrierMismatches.WithLabelValues(op).Inc()
	logging.FromContext(ctx).DebugContext(ctx, "context carrier mismatch",
		slog.String("op", op),
		slog.String("target", fmt.Sprintf("%T", target)),
		slog.Any("error", ErrCarrierMismatch),
	)
}

// asHolder resolves target to a Holder. A context.Context resolves to its
// bound carrier. A nil pointer, such as the *Carrier of a context without
// one, holds nothing.
func asHolder(target any) (Holder, bool) {
	switch t := target.(type) {
	case nopHolder:
		return nil, false
	case Holder:
		if isNilPointer(t) {
			return nil, false
		}

		return t, true
	case context.Context:
		if c := CarrierFromContext(t); c != nil {
			return c, true
		}
	}

	return nil, false
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// TrySave captures the context held by target. ok is false when target does
// not hold context; the handle is then empty.
func TrySave(target any) (h *Handle, ok bool) {
	holder, ok := asHolder(target)
	if !ok {
		reportMismatch(context.Background(), "save", target)
		return nil, false
	}

	return holder.SaveContext(), true
}

// TryInstall installs h into target and returns target. Installing into a
// value that does not hold context does nothing.
func TryInstall[T any](target T, h *Handle) T {
	holder, ok := asHolder(target)
	if !ok {
		reportMismatch(context.Background(), "install", target)
		return target
	}

	holder.InstallContext(h)

	return target
}

// Transfer copies the context held by from into to. It reports whether both
// sides hold context; when from does not, to is left untouched.
func Transfer(from, to any) bool {
	h, saved := TrySave(from)
	if !saved {
		return false
	}
	defer h.Finalize()

	_, installed := asHolder(to)
	TryInstall(to, h)

	return installed
}
