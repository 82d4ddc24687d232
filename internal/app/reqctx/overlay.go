package reqctx

import (
	"context"

	"github.com/jsamuelsen/go-reqscope/internal/platform/metrics"
)

// WithOverlay runs action under a private shallow copy of the ambient
// context. Slot writes inside action, and in anything it spawns while
// running, stay in the copy. The ambient context that existed on entry is
// reinstated on every exit: return, error, cancellation or panic.
//
// If ctx has no carrier one is bound for the duration of action.
func WithOverlay(ctx context.Context, action func(ctx context.Context) error) error {
	_, err := WithOverlayResult(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})

	return err
}

// WithOverlayResult is WithOverlay for actions that produce a value.
func WithOverlayResult[T any](ctx context.Context, action func(ctx context.Context) (T, error)) (T, error) {
	c := CarrierFromContext(ctx)
	if c == nil {
		ctx, c = Bind(ctx)
	}

	saved := c.Capture()

	metrics.OverlaysActive.Inc()
	defer func() {
		c.Install(saved)
		saved.Finalize()
		metrics.OverlaysActive.Dec()
	}()

	overlay, err := saved.ShallowCopy()
	if err != nil {
		var zero T
		return zero, err
	}

	// The slot now holds the only reference the overlay needs.
	c.Install(overlay)
	overlay.Finalize()

	return action(ctx)
}
