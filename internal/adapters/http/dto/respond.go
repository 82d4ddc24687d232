package dto

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/domain"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
	"github.com/jsamuelsen/go-reqscope/internal/platform/telemetry"
)

// MapDomainError maps a domain error to an HTTP status code and error response.
// Unknown errors are mapped to 500 Internal Server Error with a generic message.
func MapDomainError(err error) (int, *ErrorResponse) {
	if err == nil {
		return http.StatusOK, nil
	}

	switch {
	case domain.IsValidation(err):
		resp := NewErrorResponse(ErrorCodeValidation, err.Error())

		// Extract field details if available
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) && validationErr.Field != "" {
			resp.Error.Details = map[string]string{
				validationErr.Field: validationErr.Message,
			}
		}

		return http.StatusBadRequest, resp

	case domain.IsUnavailable(err):
		return http.StatusServiceUnavailable, NewErrorResponse(ErrorCodeUnavailable, err.Error())

	default:
		// Unknown errors get a generic message to avoid leaking internals
		return http.StatusInternalServerError, NewErrorResponse(ErrorCodeInternal, "an internal error occurred")
	}
}

// GetTraceID returns the trace ID for error envelopes: the active span's
// trace ID, else the trace ID slot of the request context.
func GetTraceID(c *gin.Context) string {
	ctx := c.Request.Context()

	if id := telemetry.TraceID(ctx); id != "" {
		return id
	}

	id, _ := reqctx.Lookup(ctx, reqctx.TraceIDKey)

	return id
}

// HandleError writes the error response for a domain error.
// Internal errors are logged with full details.
func HandleError(c *gin.Context, err error) {
	status, errResp := MapDomainError(err)
	errResp.WithRequest(c)

	if status == http.StatusInternalServerError {
		ctx := c.Request.Context()
		logging.FromContext(ctx).ErrorContext(ctx, "internal error", slog.Any("error", err))
	}

	c.JSON(status, errResp)
}

// HandleBindError writes the response for a failed BindQueryAndValidate:
// field details for tag failures, the domain mapping for rule failures,
// BAD_REQUEST for anything that could not be bound.
func HandleBindError(c *gin.Context, err error) {
	if IsValidationError(err) {
		RespondWithValidationErrors(c, ValidationErrors(err))
		return
	}

	if domain.IsValidation(err) {
		HandleError(c, err)
		return
	}

	RespondWithErrorCode(c, ErrorCodeBadRequest, err.Error())
}

// RespondWithErrorCode writes an error response with a specific error code.
func RespondWithErrorCode(c *gin.Context, code, message string) {
	c.JSON(HTTPStatusFromCode(code), NewErrorResponse(code, message).WithRequest(c))
}

// RespondWithValidationErrors writes a 400 response with field-level validation errors.
func RespondWithValidationErrors(c *gin.Context, fieldErrors map[string]string) {
	errResp := NewErrorResponseWithDetails(ErrorCodeValidation, "request validation failed", fieldErrors)
	c.JSON(http.StatusBadRequest, errResp.WithRequest(c))
}

// AbortWithError aborts the request chain and writes an error response.
func AbortWithError(c *gin.Context, err error) {
	status, errResp := MapDomainError(err)
	c.AbortWithStatusJSON(status, errResp.WithRequest(c))
}
