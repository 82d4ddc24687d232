// Package main is the entry point for the service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jsamuelsen/go-reqscope/internal/adapters/http"
	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/handlers"
	"github.com/jsamuelsen/go-reqscope/internal/app"
	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/config"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
	"github.com/jsamuelsen/go-reqscope/internal/platform/telemetry"
	"github.com/jsamuelsen/go-reqscope/internal/ports"
)

// Build-time variables, injected via ldflags.
// Example: go build -ldflags "-X main.Version=1.0.0 -X main.Commit=$(git rev-parse HEAD) -X main.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	// Version is the semantic version of the service.
	Version = "dev"

	// Commit is the git commit SHA.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built.
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// 1. Determine profile from environment
	profile := os.Getenv("APP_ENVIRONMENT")
	if profile == "" {
		profile = "local"
	}

	// 2. Load and validate configuration (fail fast)
	cfg, err := config.Load(profile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// 3. Initialize logging. Request-scoped ids come from the ambient
	// request context of each record, not from the logger.
	logger := logging.New(&logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.App.Name,
		Version: cfg.App.Version,
		File: logging.FileConfig{
			Enabled:    cfg.Log.File.Enabled,
			Path:       cfg.Log.File.Path,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
			Compress:   cfg.Log.File.Compress,
		},
		Sources: []logging.AttrSource{reqctx.LogAttrs},
	})
	logging.SetDefault(logger)

	logger.Info("starting service",
		slog.String("version", Version),
		slog.String("commit", Commit),
		slog.String("environment", cfg.App.Environment),
	)

	// 4. Apply propagation policy
	policy, err := reqctx.ParseMismatchPolicy(cfg.Propagation.MismatchPolicy)
	if err != nil {
		return fmt.Errorf("propagation config: %w", err)
	}

	reqctx.SetMismatchPolicy(policy)
	reqctx.SetLeakDetection(cfg.Propagation.LeakDetection)

	// 5. Initialize telemetry (noop if disabled)
	telProvider, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Endpoint:     cfg.Telemetry.Endpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      cfg.App.Version,
		Environment:  cfg.App.Environment,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	defer func() {
		if shutdownErr := telProvider.Shutdown(ctx); shutdownErr != nil {
			logger.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	// 6. Start the propagation pool
	pool := reqctx.NewPool(reqctx.PoolConfig{
		Lanes:     cfg.Propagation.Lanes,
		QueueSize: cfg.Propagation.QueueSize,
		Logger:    logger,
	})

	if err := telemetry.ObserveGauge("reqscope.instances.live",
		"Context instances acquired and not yet destroyed", reqctx.LiveInstances); err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	// 7. Create health registry; the pool reports readiness
	healthRegistry := ports.NewHealthRegistry()
	if err := healthRegistry.Register(pool); err != nil {
		return fmt.Errorf("registering pool health check: %w", err)
	}

	// 8. Create scope service (application layer)
	scopeService := app.NewScopeService(app.ScopeServiceConfig{
		Executor: pool,
		Lanes:    pool.Lanes(),
		MaxUnits: cfg.Propagation.FanoutMaxUnits,
		Logger:   logger,
	})

	// 9. Create handlers
	buildInfo := handlers.NewBuildInfo(Version, Commit, BuildTime)
	healthHandler := handlers.NewHealthHandler(healthRegistry, buildInfo).WithPool(pool)
	contextHandler := handlers.NewContextHandler(scopeService)

	// 10. Create HTTP server
	server := http.New(&cfg.Server, logger)

	// 11. Setup router with all middleware and routes
	routerCfg := http.NewDefaultRouterConfig(logger, &cfg.App, healthHandler, contextHandler)
	http.SetupRouter(server.Engine(), routerCfg)

	// 12. Start server (non-blocking)
	serverErr := server.Start()

	// 13. Wait for shutdown signal
	return waitForShutdown(ctx, logger, server, pool, serverErr, cfg.Server.ShutdownTimeout)
}

// waitForShutdown blocks until a shutdown signal is received or server error occurs.
// It then stops the HTTP server and drains the propagation pool.
func waitForShutdown(
	ctx context.Context,
	logger *slog.Logger,
	server *http.Server,
	pool *reqctx.Pool,
	serverErr <-chan error,
	shutdownTimeout time.Duration,
) error {
	// Listen for OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)

	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	logger.Info("initiating graceful shutdown",
		slog.Duration("timeout", shutdownTimeout),
	)

	// Stop accepting new requests and drain in-flight ones first; they may
	// still be spawning units onto the pool.
	serverShutdownErr := server.Shutdown(shutdownCtx)
	poolErr := pool.Close(shutdownCtx)

	if err := errors.Join(serverShutdownErr, poolErr); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("shutdown complete")

	return nil
}
