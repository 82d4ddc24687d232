package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/telemetry"
)

// AttrContextID is the span attribute naming the request's context instance.
const AttrContextID = "reqscope.context_id"

// TraceID returns middleware that links the server span and the request
// context both ways: the span's trace ID goes into the trace_id slot, and
// the instance ID goes onto the span. It must run after the tracing
// middleware. Requests without a span are left alone.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if id := telemetry.TraceID(ctx); id != "" {
			_ = reqctx.Store(ctx, reqctx.TraceIDKey, id)

			if inst := reqctx.Current(ctx); inst != nil {
				trace.SpanFromContext(ctx).SetAttributes(attribute.String(AttrContextID, inst.ID()))
			}
		}

		c.Next()
	}
}
