package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/dto"
	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/middleware"
	"github.com/jsamuelsen/go-reqscope/internal/app"
	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/domain"
	"github.com/jsamuelsen/go-reqscope/internal/ports"
)

// mockScopeService is a ports.ScopeService driven by testify/mock.
type mockScopeService struct {
	mock.Mock
}

func (m *mockScopeService) Describe(ctx context.Context) (*domain.ContextView, error) {
	args := m.Called(ctx)
	view, _ := args.Get(0).(*domain.ContextView)

	return view, args.Error(1)
}

func (m *mockScopeService) FanOut(ctx context.Context, req ports.FanoutRequest) (*domain.FanoutReport, error) {
	args := m.Called(ctx, req)
	report, _ := args.Get(0).(*domain.FanoutReport)

	return report, args.Error(1)
}

func newContextRouter(scopes ports.ScopeService) *gin.Engine {
	router := gin.New()
	NewContextHandler(scopes).RegisterContextRoutes(router.Group("/api/v1"))

	return router
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, target, http.NoBody))

	return w
}

func TestContextHandler_GetContext(t *testing.T) {
	scopes := &mockScopeService{}
	scopes.On("Describe", mock.Anything).Return(&domain.ContextView{
		ContextID: "ctx-1",
		CarrierID: "car-1",
		RequestID: "req-1",
		Slots:     map[string]string{"request_id": "req-1"},
	}, nil)

	w := serve(newContextRouter(scopes), http.MethodGet, "/api/v1/context")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ContextResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ctx-1", resp.ContextID)
	assert.Equal(t, "req-1", resp.Slots["request_id"])
	scopes.AssertExpectations(t)
}

func TestContextHandler_GetContextUnavailable(t *testing.T) {
	scopes := &mockScopeService{}
	scopes.On("Describe", mock.Anything).
		Return(nil, domain.NewUnavailableErrorWithCause("request-context", reqctx.ErrNoContext))

	w := serve(newContextRouter(scopes), http.MethodGet, "/api/v1/context")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), dto.ErrorCodeUnavailable)
}

func TestContextHandler_FanOutRequest(t *testing.T) {
	lane := 1

	tests := []struct {
		name  string
		query string
		want  ports.FanoutRequest
	}{
		{name: "pool", query: "?units=3", want: ports.FanoutRequest{Units: 3}},
		{name: "pinned", query: "?units=2&lane=1", want: ports.FanoutRequest{Units: 2, Lane: &lane}},
		{name: "errgroup", query: "?units=4&mode=errgroup", want: ports.FanoutRequest{Units: 4, Parallel: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scopes := &mockScopeService{}
			scopes.On("FanOut", mock.Anything, tt.want).Return(&domain.FanoutReport{
				ContextID: "ctx-1",
				Mode:      domain.ModePool,
				Units:     []domain.UnitObservation{{Index: 0, Lane: -1, ContextID: "ctx-1", OverlayID: "ov-0"}},
			}, nil)

			w := serve(newContextRouter(scopes), http.MethodPost, "/api/v1/context/fanout"+tt.query)

			assert.Equal(t, http.StatusOK, w.Code)
			scopes.AssertExpectations(t)
		})
	}
}

func TestContextHandler_FanOutErrors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{name: "missing units", query: "", wantStatus: http.StatusBadRequest, wantCode: dto.ErrorCodeValidation},
		{name: "unparseable units", query: "?units=x", wantStatus: http.StatusBadRequest, wantCode: dto.ErrorCodeBadRequest},
		{
			name:       "service validation",
			query:      "?units=1000",
			serviceErr: domain.NewValidationError("units", "must be at most 32"),
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrorCodeValidation,
		},
		{
			name:       "executor rejected",
			query:      "?units=2",
			serviceErr: domain.NewUnavailableErrorWithCause("propagation-pool", reqctx.ErrQueueFull),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   dto.ErrorCodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scopes := &mockScopeService{}
			if tt.serviceErr != nil {
				scopes.On("FanOut", mock.Anything, mock.Anything).Return(nil, tt.serviceErr)
			}

			w := serve(newContextRouter(scopes), http.MethodPost, "/api/v1/context/fanout"+tt.query)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp dto.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Error.Code)

			if tt.serviceErr == nil {
				scopes.AssertNotCalled(t, "FanOut", mock.Anything, mock.Anything)
			}
		})
	}
}

// TestContextHandler_EndToEnd runs the handler behind the request scope
// middleware against the real service and pool.
func TestContextHandler_EndToEnd(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool := reqctx.NewPool(reqctx.PoolConfig{Lanes: 2, QueueSize: 16, Logger: logger})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	scopes := app.NewScopeService(app.ScopeServiceConfig{
		Executor: pool,
		Lanes:    pool.Lanes(),
		MaxUnits: 8,
		Logger:   logger,
	})

	router := gin.New()
	router.Use(middleware.RequestScope(logger), middleware.RequestID())
	NewContextHandler(scopes).RegisterContextRoutes(router.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/context/fanout?units=4&lane=1", http.NoBody)
	req.Header.Set(middleware.HeaderRequestID, "req-e2e")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.FanoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Propagated)
	assert.False(t, resp.Leaked)
	require.Len(t, resp.Units, 4)

	for _, u := range resp.Units {
		assert.Equal(t, resp.ContextID, u.ContextID)
		assert.Equal(t, "req-e2e", u.RequestID)
		require.NotNil(t, u.Lane)
		assert.Equal(t, 1, *u.Lane)
	}

	// A second request gets its own instance.
	w = serve(router, http.MethodGet, "/api/v1/context")
	require.Equal(t, http.StatusOK, w.Code)

	var view dto.ContextResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.NotEqual(t, resp.ContextID, view.ContextID)
	assert.NotEqual(t, "req-e2e", view.RequestID)
}
