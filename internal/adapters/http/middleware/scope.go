// Package middleware holds the gin middleware that scopes each request to
// its own propagated context.
package middleware

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
)

// ContextKeyScope is the gin.Context key holding the request's root handle.
const ContextKeyScope = "reqscope"

// RequestScope returns middleware that gives each request its own carrier
// and a fresh root context instance installed in it. Everything after it in
// the chain, and every unit the handlers spawn, sees that instance.
//
// The slot is cleared and the root handle finalized when the chain returns,
// so the instance is destroyed once the last spawned unit lets go of it.
func RequestScope(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, carrier := reqctx.Bind(c.Request.Context())
		ctx = logging.WithContext(ctx, logger)

		root, err := reqctx.Acquire(ctx, func(context.Context) (*reqctx.Instance, error) {
			return reqctx.NewInstance(), nil
		})
		if err != nil {
			logger.ErrorContext(ctx, "acquiring request context", slog.Any("error", err))
			c.Next()

			return
		}

		carrier.Install(root)
		defer func() {
			carrier.Install(nil)
			root.Finalize()
		}()

		c.Set(ContextKeyScope, root)
		c.Request = c.Request.WithContext(ctx)

		logger.Log(ctx, logging.LevelTrace, "request context installed",
			slog.Any("context", root),
			slog.String("carrier_id", carrier.ID()),
		)

		c.Next()
	}
}

// GetScope returns the request's root handle, borrowed for the lifetime of
// the request. It is the empty handle when RequestScope did not run.
func GetScope(c *gin.Context) *reqctx.Handle {
	if v, ok := c.Get(ContextKeyScope); ok {
		if h, ok := v.(*reqctx.Handle); ok {
			return h
		}
	}

	return nil
}
