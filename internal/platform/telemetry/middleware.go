package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jsamuelsen/go-reqscope/telemetry"

// Metrics are the HTTP server instruments.
type Metrics struct {
	requestDuration metric.Float64Histogram
	requestTotal    metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	var (
		m   Metrics
		err error
		all []error
	)

	m.requestDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	all = append(all, err)

	m.requestTotal, err = meter.Int64Counter("http.server.request.total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	all = append(all, err)

	m.activeRequests, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Number of active HTTP requests"),
	)
	all = append(all, err)

	if err := errors.Join(all...); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) begin(c *gin.Context) func() {
	ctx := c.Request.Context()
	route := []attribute.KeyValue{
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", c.FullPath()),
	}

	start := time.Now()
	m.activeRequests.Add(ctx, 1, metric.WithAttributes(route...))

	return func() {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(route...))

		done := metric.WithAttributes(append(route, attribute.Int("http.status_code", c.Writer.Status()))...)
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), done)
		m.requestTotal.Add(ctx, 1, done)
	}
}

// Middleware records the HTTP server metrics and sets the X-Trace-ID
// response header. Instrument creation failures go to the otel error
// handler and disable the metrics, never the request.
func Middleware() gin.HandlerFunc {
	m, err := NewMetrics()
	if err != nil {
		otel.Handle(err)
	}

	return func(c *gin.Context) {
		if m != nil {
			defer m.begin(c)()
		}

		// Headers must be set before the handler writes the body.
		if id := TraceID(c.Request.Context()); id != "" {
			c.Header("X-Trace-ID", id)
		}

		c.Next()
	}
}

// TracingMiddleware returns the otelgin tracing middleware. It must run
// before Middleware so the X-Trace-ID header sees the server span.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// Tracer returns the tracer for spans started inside the service.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}

	return sc.TraceID().String()
}
