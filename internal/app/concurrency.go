package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
)

// The helpers here start goroutines through reqctx.Wrap. Every function sees
// the caller's request context from its first statement, on a carrier of its
// own, and slot writes are shared with the caller unless the function is
// wrapped with Isolated.

// Isolated runs fn under a private overlay of the request context, so its
// slot writes stay out of the caller's instance and its siblings'.
func Isolated[T any](fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return reqctx.WithOverlayResult(ctx, fn)
	}
}

// Parallel runs fns concurrently. The first error cancels the rest and is
// returned; results keep the order of fns.
func Parallel[T any](ctx context.Context, fns ...func(context.Context) (T, error)) ([]T, error) {
	return ParallelLimit(ctx, -1, fns...)
}

// ParallelLimit is Parallel with at most limit functions running at once.
// A negative limit means no bound.
func ParallelLimit[T any](ctx context.Context, limit int, fns ...func(context.Context) (T, error)) ([]T, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([]T, len(fns))

	for i, fn := range fns {
		g.Go(reqctx.Wrap(ctx, func(ctx context.Context) (err error) {
			results[i], err = fn(ctx)
			return err
		}))
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("parallel execution failed: %w", err)
	}

	return results, nil
}

// Parallel2 runs two functions of different result types concurrently.
func Parallel2[T1, T2 any](
	ctx context.Context,
	fn1 func(context.Context) (T1, error),
	fn2 func(context.Context) (T2, error),
) (T1, T2, error) {
	var (
		r1 T1
		r2 T2
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(reqctx.Wrap(ctx, func(ctx context.Context) (err error) {
		r1, err = fn1(ctx)
		return err
	}))

	g.Go(reqctx.Wrap(ctx, func(ctx context.Context) (err error) {
		r2, err = fn2(ctx)
		return err
	}))

	if err := g.Wait(); err != nil {
		var (
			zero1 T1
			zero2 T2
		)

		return zero1, zero2, fmt.Errorf("parallel execution failed: %w", err)
	}

	return r1, r2, nil
}

// PartialResult is one function's outcome under ParallelPartial.
type PartialResult[T any] struct {
	Value T
	Err   error
}

// ParallelPartial runs every function to completion regardless of the
// others' errors, with at most limit running at once (negative: no bound).
// A panic is reported as that function's *reqctx.PanicError.
func ParallelPartial[T any](ctx context.Context, limit int, fns ...func(context.Context) (T, error)) []PartialResult[T] {
	var g errgroup.Group
	g.SetLimit(limit)

	results := make([]PartialResult[T], len(fns))

	for i, fn := range fns {
		run := reqctx.Wrap(ctx, func(ctx context.Context) error {
			results[i].Value, results[i].Err = fn(ctx)
			return nil
		})

		g.Go(func() error {
			if err := run(); err != nil {
				results[i].Err = err
			}

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// FanOut feeds items to a fixed number of workers. Each worker handles its
// items one after another on its own carrier; the first error stops all.
func FanOut[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan T)

	for range workers {
		g.Go(reqctx.Wrap(ctx, func(ctx context.Context) error {
			for item := range queue {
				if err := fn(ctx, item); err != nil {
					return err
				}
			}

			return nil
		}))
	}

	g.Go(func() error {
		defer close(queue)

		for _, item := range items {
			select {
			case queue <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fan out failed: %w", err)
	}

	return nil
}
