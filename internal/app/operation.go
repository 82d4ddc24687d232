package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
)

// Propagating operations run in stages: Validate → Perform → Verify → Record.
//
// Perform starts units of work under the caller's context; Verify checks
// what they observed before anything is recorded back into that context.
// A failed stage stops the operation and is reported as a *StepError.

// Step names a stage of an operation.
type Step string

// Operation stages.
const (
	StepValidate Step = "validate"
	StepPerform  Step = "perform"
	StepVerify   Step = "verify"
	StepRecord   Step = "record"
)

// StepError wraps a stage failure with the stage and operation names.
type StepError struct {
	Op    string
	Step  Step
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Op, e.Step, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// StepOf extracts the failed stage from an error returned by Run.
func StepOf(err error) (Step, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step, true
	}

	return "", false
}

// Operation defines the stages of a propagating operation. Only Perform is
// required.
type Operation[I, P, O any] struct {
	// Name identifies this operation in logs and errors.
	Name string

	// Validate checks inputs before any unit is started.
	Validate func(ctx context.Context, input I) error

	// Perform starts the units and joins them.
	Perform func(ctx context.Context, input I) (P, error)

	// Verify turns what Perform collected into the result, or rejects it.
	Verify func(ctx context.Context, input I, performed P) (O, error)

	// Record writes the verified result back into the caller's context.
	Record func(ctx context.Context, input I, result O) error
}

// Run executes op's stages in order. Each stage is logged at trace level;
// the completed operation at debug.
func Run[I, P, O any](ctx context.Context, op Operation[I, P, O], input I) (O, error) {
	var zero O

	logger := logging.FromContext(ctx).With(slog.String("operation", op.Name))
	start := time.Now()

	fail := func(step Step, err error) (O, error) {
		logger.WarnContext(ctx, "operation stage failed",
			slog.String("step", string(step)),
			slog.Any("error", err),
		)

		return zero, &StepError{Op: op.Name, Step: step, Cause: err}
	}

	if op.Validate != nil {
		logger.Log(ctx, logging.LevelTrace, "operation stage", slog.String("step", string(StepValidate)))

		if err := op.Validate(ctx, input); err != nil {
			return fail(StepValidate, err)
		}
	}

	logger.Log(ctx, logging.LevelTrace, "operation stage", slog.String("step", string(StepPerform)))

	performed, err := op.Perform(ctx, input)
	if err != nil {
		return fail(StepPerform, err)
	}

	var result O

	if op.Verify != nil {
		logger.Log(ctx, logging.LevelTrace, "operation stage", slog.String("step", string(StepVerify)))

		result, err = op.Verify(ctx, input, performed)
		if err != nil {
			return fail(StepVerify, err)
		}
	} else if r, ok := any(performed).(O); ok {
		result = r
	}

	if op.Record != nil {
		logger.Log(ctx, logging.LevelTrace, "operation stage", slog.String("step", string(StepRecord)))

		if err := op.Record(ctx, input, result); err != nil {
			return fail(StepRecord, err)
		}
	}

	logger.DebugContext(ctx, "operation completed", slog.Duration("duration", time.Since(start)))

	return result, nil
}
