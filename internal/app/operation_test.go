package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen/go-reqscope/internal/domain"
)

func TestRun_StagesInOrder(t *testing.T) {
	var order []Step

	op := Operation[int, int, string]{
		Name: "double",
		Validate: func(_ context.Context, in int) error {
			order = append(order, StepValidate)
			return nil
		},
		Perform: func(_ context.Context, in int) (int, error) {
			order = append(order, StepPerform)
			return in * 2, nil
		},
		Verify: func(_ context.Context, _ int, p int) (string, error) {
			order = append(order, StepVerify)
			return "ok", nil
		},
		Record: func(_ context.Context, _ int, out string) error {
			order = append(order, StepRecord)
			return nil
		},
	}

	out, err := Run(context.Background(), op, 21)
	require.NoError(t, err)

	assert.Equal(t, "ok", out)
	assert.Equal(t, []Step{StepValidate, StepPerform, StepVerify, StepRecord}, order)
}

func TestRun_WithoutVerifyPassesPerformResult(t *testing.T) {
	out, err := Run(context.Background(), Operation[int, int, int]{
		Name:    "identity",
		Perform: func(_ context.Context, in int) (int, error) { return in, nil },
	}, 7)

	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestRun_StopsAtFailedStage(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		op   Operation[int, int, int]
		want Step
	}{
		{
			name: "validate",
			op: Operation[int, int, int]{
				Validate: func(context.Context, int) error { return domain.NewValidationError("units", "bad") },
				Perform:  func(context.Context, int) (int, error) { panic("perform must not run") },
			},
			want: StepValidate,
		},
		{
			name: "perform",
			op: Operation[int, int, int]{
				Perform: func(context.Context, int) (int, error) { return 0, boom },
			},
			want: StepPerform,
		},
		{
			name: "verify",
			op: Operation[int, int, int]{
				Perform: func(context.Context, int) (int, error) { return 1, nil },
				Verify:  func(context.Context, int, int) (int, error) { return 0, boom },
				Record:  func(context.Context, int, int) error { panic("record must not run") },
			},
			want: StepVerify,
		},
		{
			name: "record",
			op: Operation[int, int, int]{
				Perform: func(context.Context, int) (int, error) { return 1, nil },
				Record:  func(context.Context, int, int) error { return boom },
			},
			want: StepRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.op.Name = "test-op"

			_, err := Run(context.Background(), tt.op, 1)
			require.Error(t, err)

			step, ok := StepOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, step)
			assert.Contains(t, err.Error(), "test-op: "+string(tt.want)+" failed")
		})
	}
}

func TestStepError_UnwrapsCause(t *testing.T) {
	err := &StepError{Op: "fanout", Step: StepValidate, Cause: domain.NewValidationError("units", "bad")}

	assert.True(t, domain.IsValidation(err))

	_, ok := StepOf(errors.New("plain"))
	assert.False(t, ok)
}
