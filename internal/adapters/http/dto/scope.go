package dto

import "github.com/jsamuelsen/go-reqscope/internal/domain"

// FanoutQuery is the query string of POST /api/v1/context/fanout.
type FanoutQuery struct {
	Units int    `form:"units" validate:"required,min=1"`
	Lane  *int   `form:"lane" validate:"omitempty,min=0"`
	Mode  string `form:"mode" validate:"omitempty,oneof=pool errgroup"`
}

// Validate rejects a lane for errgroup fan-outs, which have no lanes.
func (q *FanoutQuery) Validate() error {
	if q.Lane != nil && q.Parallel() {
		return domain.NewValidationErrorWithValue("lane", "lanes apply to pool fan-outs only", *q.Lane)
	}

	return nil
}

// Parallel reports whether the fan-out should run as errgroup goroutines.
func (q *FanoutQuery) Parallel() bool {
	return q.Mode == domain.ModeErrgroup
}

// ContextResponse describes the request's ambient context.
type ContextResponse struct {
	ContextID     string            `json:"contextId"`
	CarrierID     string            `json:"carrierId"`
	RequestID     string            `json:"requestId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	TraceID       string            `json:"traceId,omitempty"`
	Slots         map[string]string `json:"slots"`
}

// NewContextResponse converts a domain view to its response.
func NewContextResponse(v *domain.ContextView) *ContextResponse {
	return &ContextResponse{
		ContextID:     v.ContextID,
		CarrierID:     v.CarrierID,
		RequestID:     v.RequestID,
		CorrelationID: v.CorrelationID,
		TraceID:       v.TraceID,
		Slots:         v.Slots,
	}
}

// UnitResponse is one unit of a fan-out.
type UnitResponse struct {
	Index     int    `json:"index"`
	UnitID    string `json:"unitId,omitempty"`
	Lane      *int   `json:"lane,omitempty"`
	ContextID string `json:"contextId"`
	OverlayID string `json:"overlayId"`
	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

// FanoutResponse is the result of a fan-out.
type FanoutResponse struct {
	ContextID  string         `json:"contextId"`
	Mode       string         `json:"mode"`
	Propagated bool           `json:"propagated"`
	Leaked     bool           `json:"leaked"`
	Units      []UnitResponse `json:"units"`
}

// NewFanoutResponse converts a domain report to its response.
func NewFanoutResponse(r *domain.FanoutReport) *FanoutResponse {
	resp := &FanoutResponse{
		ContextID:  r.ContextID,
		Mode:       r.Mode,
		Propagated: r.Propagated(),
		Leaked:     r.Leaked,
		Units:      make([]UnitResponse, len(r.Units)),
	}

	for i, u := range r.Units {
		resp.Units[i] = UnitResponse{
			Index:     u.Index,
			UnitID:    u.UnitID,
			ContextID: u.ContextID,
			OverlayID: u.OverlayID,
			RequestID: u.RequestID,
			TraceID:   u.TraceID,
		}

		if u.Lane >= 0 {
			lane := u.Lane
			resp.Units[i].Lane = &lane
		}
	}

	return resp
}
