// Package ports defines the contracts between the HTTP adapter and the
// application layer.
//
// Port Design Principles:
//   - Context as first parameter (always). The request's ambient context
//     travels in it, bound by the request-scope middleware.
//   - Return domain types, never DTOs
//   - Errors use domain error types (ErrValidation, ErrUnavailable)
package ports

import (
	"context"

	"github.com/jsamuelsen/go-reqscope/internal/domain"
)

// FanoutRequest asks for units to be started under the caller's context.
type FanoutRequest struct {
	Units int

	// Lane pins every unit to one executor lane when set.
	Lane *int

	// Parallel runs the units as errgroup goroutines instead of through the
	// executor.
	Parallel bool
}

// ScopeService exposes the ambient request context to adapters.
//
// Example usage in a handler:
//
//	view, err := h.scopes.Describe(c.Request.Context())
//	if err != nil {
//	    dto.HandleError(c, err)
//	    return
//	}
type ScopeService interface {
	// Describe returns the ambient context of ctx.
	// Returns domain.ErrUnavailable when no context is installed.
	Describe(ctx context.Context) (*domain.ContextView, error)

	// FanOut starts req.Units units that each observe the context they
	// inherited. Returns domain.ErrValidation for bad parameters and
	// domain.ErrUnavailable when the executor rejects work.
	FanOut(ctx context.Context, req FanoutRequest) (*domain.FanoutReport, error)
}
