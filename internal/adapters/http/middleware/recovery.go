package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/dto"
	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
)

// Recovery returns middleware that turns a handler panic into a 500 with the
// standard error envelope. A *reqctx.LifecycleError is a refcount bug and is
// re-panicked.
//
// Recovery runs outside RequestScope, so by the time it sees a panic the
// request context has been released and the envelope carries only the
// trace ID.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			if lifecycleErr, ok := r.(*reqctx.LifecycleError); ok {
				panic(lifecycleErr)
			}

			ctx := c.Request.Context()

			ctxLogger := logging.LoggerFromContext(ctx)
			if ctxLogger == nil {
				ctxLogger = logger
			}

			errResp := dto.NewErrorResponse(dto.ErrorCodeInternal, "an internal error occurred").WithRequest(c)

			ctxLogger.ErrorContext(ctx, "panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
				slog.String("path", c.Request.URL.Path),
				slog.String("method", c.Request.Method),
				slog.String("trace_id", errResp.TraceID),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}

			c.AbortWithStatusJSON(http.StatusInternalServerError, errResp)
		}()

		c.Next()
	}
}
