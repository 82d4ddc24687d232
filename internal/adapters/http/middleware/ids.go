package middleware

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
)

// Identity headers. A request ID names one request; a correlation ID names
// the whole transaction and is passed on by upstream services.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// gin.Context keys. They match the slot names.
const (
	ContextKeyRequestID     = "request_id"
	ContextKeyCorrelationID = "correlation_id"
)

// RequestID returns middleware that takes the X-Request-ID header, or a new
// UUID, echoes it back and writes it into the request_id slot.
func RequestID() gin.HandlerFunc {
	return identify(HeaderRequestID, reqctx.RequestIDKey)
}

// CorrelationID is RequestID for X-Correlation-ID and the correlation_id
// slot.
func CorrelationID() gin.HandlerFunc {
	return identify(HeaderCorrelationID, reqctx.CorrelationIDKey)
}

// identify stores the ID in both the gin context and the ambient request
// context. The slot is what spawned units and log lines see; without a
// request scope only the gin copy exists.
func identify(header string, slot reqctx.Key[string]) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(header)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(slot.Name(), id)
		c.Header(header, id)

		ctx := c.Request.Context()
		if err := reqctx.Store(ctx, slot, id); err != nil {
			logging.FromContext(ctx).DebugContext(ctx, "id not stored in request context",
				slog.String("slot", slot.Name()),
				slog.Any("error", err),
			)
		}

		c.Next()
	}
}

// GetRequestID returns the request ID RequestID set, or "".
func GetRequestID(c *gin.Context) string {
	return getIDFromContext(c, ContextKeyRequestID)
}

// MustGetRequestID is GetRequestID with "unknown" for a missing ID.
func MustGetRequestID(c *gin.Context) string {
	return orUnknown(GetRequestID(c))
}

// GetCorrelationID returns the correlation ID CorrelationID set, or "".
func GetCorrelationID(c *gin.Context) string {
	return getIDFromContext(c, ContextKeyCorrelationID)
}

// MustGetCorrelationID is GetCorrelationID with "unknown" for a missing ID.
func MustGetCorrelationID(c *gin.Context) string {
	return orUnknown(GetCorrelationID(c))
}

func getIDFromContext(c *gin.Context, key string) string {
	id, _ := c.Value(key).(string)
	return id
}

func orUnknown(id string) string {
	if id == "" {
		return "unknown"
	}

	return id
}

// RequestIDFromContext reads the request_id slot of the ambient context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := reqctx.Lookup(ctx, reqctx.RequestIDKey)
	return id
}

// CorrelationIDFromContext reads the correlation_id slot.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := reqctx.Lookup(ctx, reqctx.CorrelationIDKey)
	return id
}

// TraceIDFromContext reads the trace_id slot.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := reqctx.Lookup(ctx, reqctx.TraceIDKey)
	return id
}
