// Package domain holds the views of a request context that the service
// reports, and the errors its use cases return. Adapters map the errors to
// their transport.
package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("unavailable")
)

// ValidationError names the offending parameter.
type ValidationError struct {
	Field   string
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}

	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError returns a *ValidationError for field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NewValidationErrorWithValue also records the rejected value.
func NewValidationErrorWithValue(field, message string, value any) error {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// UnavailableError reports a component that cannot serve the use case: the
// propagation pool when it rejects work, or the request context when none is
// installed.
type UnavailableError struct {
	Component string
	Reason    string
	Cause     error
}

func (e *UnavailableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s unavailable: %s", e.Component, e.Reason)
	}

	return e.Component + " unavailable"
}

// Unwrap yields ErrUnavailable and the cause, if any.
func (e *UnavailableError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrUnavailable, e.Cause}
	}

	return []error{ErrUnavailable}
}

// NewUnavailableError returns an *UnavailableError for component.
func NewUnavailableError(component, reason string) error {
	return &UnavailableError{Component: component, Reason: reason}
}

// NewUnavailableErrorWithCause is NewUnavailableError that also unwraps to
// cause, so callers can still match reqctx sentinels.
func NewUnavailableErrorWithCause(component string, cause error) error {
	return &UnavailableError{Component: component, Reason: cause.Error(), Cause: cause}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnavailable reports whether err is an unavailability.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
