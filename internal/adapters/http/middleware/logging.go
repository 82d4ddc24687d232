package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
)

const probePrefix = "/-/"

// Logging returns middleware that logs the start and end of every request
// except the /-/ probes. Request, correlation and trace IDs reach the lines
// through the logger's context attribute source, not from here.
//
// The completion line carries context_refs, the references held on the
// request's instance at that moment. Anything above the request's own two
// (root handle and slot) belongs to units still running.
//
// logger is used when RequestScope did not put one in the context.
func Logging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, probePrefix) {
			c.Next()
			return
		}

		ctx := c.Request.Context()

		log := logging.LoggerFromContext(ctx)
		if log == nil {
			log = logger
		}

		target := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			target += "?" + c.Request.URL.RawQuery
		}

		log.InfoContext(ctx, "request started",
			slog.String("method", c.Request.Method),
			slog.String("path", target),
			slog.String("client_ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
		)

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", target),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.Int64("latency_ms", latency.Milliseconds()),
			slog.Int("bytes", c.Writer.Size()),
		}

		if refs, ok := contextRefs(c.Request.Context()); ok {
			attrs = append(attrs, slog.Int64("context_refs", refs))
		}

		log.LogAttrs(ctx, levelForStatus(status), "request completed", attrs...)
	}
}

func contextRefs(ctx context.Context) (int64, bool) {
	inst := reqctx.Current(ctx)
	if inst == nil {
		return 0, false
	}

	return inst.Refs(), true
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
