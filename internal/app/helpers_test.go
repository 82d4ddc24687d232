package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
)

// requestContext returns a context whose carrier has a fresh instance
// installed, with the request id slot set.
func requestContext(t *testing.T) (context.Context, *reqctx.Handle) {
	t.Helper()

	ctx, c := reqctx.Bind(context.Background())
	h := reqctx.New()
	reqctx.Set(h.Instance(), reqctx.RequestIDKey, "req-1")
	c.Install(h)

	t.Cleanup(func() {
		c.Install(nil)
		h.Finalize()
	})

	return ctx, h
}

// mockExecutor is a reqctx.Executor driven by testify/mock.
type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Submit(task *reqctx.Task) error {
	return m.Called(task).Error(0)
}

func (m *mockExecutor) SubmitOn(lane int, task *reqctx.Task) error {
	return m.Called(lane, task).Error(0)
}
