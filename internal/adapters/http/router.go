package http

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/handlers"
	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/middleware"
	"github.com/jsamuelsen/go-reqscope/internal/platform/config"
	"github.com/jsamuelsen/go-reqscope/internal/platform/telemetry"
)

// DefaultRequestTimeout is the default timeout for API requests.
const DefaultRequestTimeout = 30 * time.Second

// RouterConfig contains configuration for setting up the router.
type RouterConfig struct {
	// Logger is the structured logger for request logging.
	Logger *slog.Logger

	// AppConfig contains application configuration.
	AppConfig *config.AppConfig

	// HealthHandler handles health check endpoints.
	HealthHandler *handlers.HealthHandler

	// ContextHandler serves the request-context endpoints.
	ContextHandler *handlers.ContextHandler

	// Timeout is the default request timeout.
	Timeout time.Duration
}

// SetupRouter configures all routes and middleware on the Gin engine.
// Middleware is applied in the following order (first to last):
//  1. Recovery - catch panics first
//  2. Request scope - bind a carrier and install the request's context
//  3. Request ID - generate/extract request ID into the context
//  4. Correlation ID - handle distributed tracing correlation
//  5. OpenTelemetry - tracing, then the trace ID copied into the context
//  6. HTTP metrics
//  7. Logging - request logging (skips health endpoints)
//  8. Timeout - request deadline (API routes only)
//
// Route groups:
//   - /-/ (internal): Health endpoints
//   - /api/v1/ (public API): Request-context endpoints
func SetupRouter(engine *gin.Engine, cfg RouterConfig) {
	engine.Use(
		middleware.Recovery(cfg.Logger),
		middleware.RequestScope(cfg.Logger),
		middleware.RequestID(),
		middleware.CorrelationID(),
		telemetry.TracingMiddleware(cfg.AppConfig.Name),
		middleware.TraceID(),
		telemetry.Middleware(),
		middleware.Logging(cfg.Logger),
	)

	// Register health endpoints (no timeout for probes)
	if cfg.HealthHandler != nil {
		cfg.HealthHandler.RegisterHealthRoutesOnEngine(engine)
	}

	apiV1 := engine.Group("/api/v1")
	if cfg.Timeout > 0 {
		apiV1.Use(middleware.Timeout(cfg.Timeout))
	}

	setupAPIRoutes(apiV1, cfg)
}

// setupAPIRoutes registers business API routes.
func setupAPIRoutes(rg *gin.RouterGroup, cfg RouterConfig) {
	if cfg.ContextHandler != nil {
		cfg.ContextHandler.RegisterContextRoutes(rg)
	}
}

// SetupMinimalRouter sets up a minimal router with just health endpoints.
// Useful for testing or lightweight deployments.
func SetupMinimalRouter(engine *gin.Engine, logger *slog.Logger, healthHandler *handlers.HealthHandler) {
	engine.Use(
		middleware.Recovery(logger),
		middleware.RequestScope(logger),
		middleware.RequestID(),
	)

	if healthHandler != nil {
		healthHandler.RegisterHealthRoutesOnEngine(engine)
	}
}

// NewDefaultRouterConfig creates a RouterConfig with sensible defaults.
func NewDefaultRouterConfig(
	logger *slog.Logger,
	appCfg *config.AppConfig,
	healthHandler *handlers.HealthHandler,
	contextHandler *handlers.ContextHandler,
) RouterConfig {
	return RouterConfig{
		Logger:         logger,
		AppConfig:      appCfg,
		HealthHandler:  healthHandler,
		ContextHandler: contextHandler,
		Timeout:        DefaultRequestTimeout,
	}
}
