package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/adapters/http/dto"
	"github.com/jsamuelsen/go-reqscope/internal/ports"
)

// ContextHandler exposes the request's ambient context.
type ContextHandler struct {
	scopes ports.ScopeService
}

// NewContextHandler creates a new context handler.
func NewContextHandler(scopes ports.ScopeService) *ContextHandler {
	return &ContextHandler{scopes: scopes}
}

// GetContext handles GET /api/v1/context
// Returns the context instance installed for this request and its slots.
//
// @Summary Describe the request context
// @Tags context
// @Produce json
// @Success 200 {object} dto.ContextResponse
// @Failure 503 {object} dto.ErrorResponse
// @Router /api/v1/context [get]
func (h *ContextHandler) GetContext(c *gin.Context) {
	view, err := h.scopes.Describe(c.Request.Context())
	if err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewContextResponse(view))
}

// FanOut handles POST /api/v1/context/fanout
// Starts units under the request context and reports what each one saw.
//
// @Summary Fan out under the request context
// @Tags context
// @Produce json
// @Param units query int true "Number of units"
// @Param lane query int false "Pin every unit to one pool lane"
// @Param mode query string false "pool (default) or errgroup"
// @Success 200 {object} dto.FanoutResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 503 {object} dto.ErrorResponse
// @Router /api/v1/context/fanout [post]
func (h *ContextHandler) FanOut(c *gin.Context) {
	var q dto.FanoutQuery
	if err := dto.BindQueryAndValidate(c, &q); err != nil {
		dto.HandleBindError(c, err)
		return
	}

	report, err := h.scopes.FanOut(c.Request.Context(), ports.FanoutRequest{
		Units:    q.Units,
		Lane:     q.Lane,
		Parallel: q.Parallel(),
	})
	if err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewFanoutResponse(report))
}

// RegisterContextRoutes registers context routes on the given router group.
func (h *ContextHandler) RegisterContextRoutes(rg *gin.RouterGroup) {
	rg.GET("/context", h.GetContext)
	rg.POST("/context/fanout", h.FanOut)
}
