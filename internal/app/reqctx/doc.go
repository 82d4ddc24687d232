// Package reqctx propagates a per-request context instance across the
// goroutines that serve one request.
//
// # Handles
//
// An Instance is a slot store shared through counted handles:
//
//	h := reqctx.New()
//	defer h.Finalize()
//
//	alias, _ := h.Clone()       // same instance, writes visible both ways
//	overlay, _ := h.ShallowCopy() // new instance, starts with h's slots, diverges on write
//
// The instance is destroyed when its last handle is finalized. Finalize is
// safe to call more than once.
//
// # Ambient context
//
// Each goroutine serving a request owns a Carrier bound into its
// context.Context. Capture reads it, Install writes it:
//
//	ctx, _ = reqctx.Bind(ctx)
//	reqctx.Install(ctx, h)
//	reqctx.Store(ctx, reqctx.TraceIDKey, "abc")
//
// # Propagation
//
// Spawn (or Wrap for errgroup and go statements) captures the ambient
// context at spawn time and installs it on the new goroutine's carrier
// before the function's first statement:
//
//	unit, err := reqctx.Spawn(ctx, func(ctx context.Context) error {
//	    id, _ := reqctx.Lookup(ctx, reqctx.TraceIDKey) // "abc"
//	    return nil
//	})
//
// # Overlays
//
// WithOverlay runs a function under a private shallow copy and restores the
// previous ambient context afterwards, however the function exits:
//
//	_ = reqctx.WithOverlay(ctx, func(ctx context.Context) error {
//	    return reqctx.Store(ctx, reqctx.TraceIDKey, "child")
//	})
package reqctx
