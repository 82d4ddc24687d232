package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/dto"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
)

// Timeout returns middleware that sets a request deadline. Handlers run on
// the request goroutine, under its carrier, and must check ctx.Done()
// themselves. If the deadline passed and the handler wrote nothing, a 503
// with the standard error envelope is sent.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			handleTimeout(c, timeout)
		}
	}
}

func handleTimeout(c *gin.Context, timeout time.Duration) {
	ctx := c.Request.Context()

	logging.FromContext(ctx).WarnContext(ctx, "request timeout",
		slog.String("path", c.Request.URL.Path),
		slog.String("method", c.Request.Method),
		slog.Duration("timeout", timeout),
	)

	if c.Writer.Written() {
		return
	}

	errResp := dto.NewErrorResponse(dto.ErrorCodeTimeout, "request timeout exceeded")
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, errResp.WithRequest(c))
}
