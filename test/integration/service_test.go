//go:build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"

	httpadapter "github.com/jsamuelsen/go-reqscope/internal/adapters/http"
	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/handlers"
	"github.com/jsamuelsen/go-reqscope/internal/app"
	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/platform/config"
	"github.com/jsamuelsen/go-reqscope/internal/ports"
)

// service is an in-process instance of the full HTTP stack.
type service struct {
	server *httptest.Server
	pool   *reqctx.Pool
}

// startService wires the same components as cmd/service over a test server.
func startService(lanes, queueSize int) *service {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := reqctx.NewPool(reqctx.PoolConfig{Lanes: lanes, QueueSize: queueSize, Logger: logger})

	registry := ports.NewHealthRegistry()
	_ = registry.Register(pool)

	scopes := app.NewScopeService(app.ScopeServiceConfig{
		Executor: pool,
		Lanes:    pool.Lanes(),
		MaxUnits: config.DefaultFanoutMaxUnits,
		Logger:   logger,
	})

	srv := httpadapter.New(&config.ServerConfig{
		Host:           "127.0.0.1",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		IdleTimeout:    5 * time.Second,
		MaxRequestSize: config.DefaultMaxRequestSize,
	}, logger)

	httpadapter.SetupRouter(srv.Engine(), httpadapter.NewDefaultRouterConfig(
		logger,
		&config.AppConfig{Name: "reqscope-integration", Version: "test", Environment: "test"},
		handlers.NewHealthHandler(registry, handlers.NewBuildInfo("test", "none", "")).WithPool(pool),
		handlers.NewContextHandler(scopes),
	))

	return &service{
		server: httptest.NewServer(srv.Engine()),
		pool:   pool,
	}
}

func (s *service) URL() string {
	return s.server.URL
}

func (s *service) Close() {
	s.server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.pool.Close(ctx)
}
