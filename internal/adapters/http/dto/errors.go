// Package dto holds the HTTP request and response shapes of the service.
package dto

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
)

// ErrorResponse is the error envelope. Besides the error itself it names the
// request context the failure happened under, so a client can match it with
// server logs.
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	TraceID   string      `json:"traceId,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	ContextID string      `json:"contextId,omitempty"`
}

// ErrorDetail is the machine-readable part of an ErrorResponse.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Details holds field-level messages for validation failures.
	Details map[string]string `json:"details,omitempty"`
}

// Error codes.
const (
	ErrorCodeValidation  = "VALIDATION_ERROR"
	ErrorCodeUnavailable = "SERVICE_UNAVAILABLE"
	ErrorCodeInternal    = "INTERNAL_ERROR"
	ErrorCodeTimeout     = "TIMEOUT"
	ErrorCodeBadRequest  = "BAD_REQUEST"
)

// NewErrorResponse creates an envelope without request identity.
func NewErrorResponse(code, message string) *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	}
}

// NewErrorResponseWithDetails creates an envelope carrying field details.
func NewErrorResponseWithDetails(code, message string, details map[string]string) *ErrorResponse {
	resp := NewErrorResponse(code, message)
	resp.Error.Details = details

	return resp
}

// WithTraceID sets the trace ID.
func (e *ErrorResponse) WithTraceID(traceID string) *ErrorResponse {
	e.TraceID = traceID
	return e
}

// WithRequest fills the trace, request and context IDs from the ambient
// context of c. Fields stay empty when nothing is installed, which is the
// case once the request scope has already been torn down.
func (e *ErrorResponse) WithRequest(c *gin.Context) *ErrorResponse {
	ctx := c.Request.Context()

	e.TraceID = GetTraceID(c)
	e.RequestID, _ = reqctx.Lookup(ctx, reqctx.RequestIDKey)

	if inst := reqctx.Current(ctx); inst != nil {
		e.ContextID = inst.ID()
	}

	return e
}

// HTTPStatusFromCode maps an error code to its HTTP status.
func HTTPStatusFromCode(code string) int {
	switch code {
	case ErrorCodeValidation, ErrorCodeBadRequest:
		return http.StatusBadRequest
	case ErrorCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
