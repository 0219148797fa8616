// Package timeout bounds individual external calls.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a guarded call does not finish in time. It is
// always treated as a transient failure.
var ErrTimeout = errors.New("operation timed out")

// Call runs fn with a deadline of d. If fn has not returned when the deadline
// passes, Call returns ErrTimeout without waiting for it; fn receives a
// cancelled context and its eventual result is discarded.
func Call[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if d <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)

	go func() {
		val, err := fn(callCtx)
		done <- result{val: val, err: err}
	}()

	finish := func(r result) (T, error) {
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", ErrTimeout, d, r.err)
		}

		return r.val, r.err
	}

	select {
	case r := <-done:
		return finish(r)
	case <-callCtx.Done():
		select {
		case r := <-done:
			return finish(r)
		default:
		}

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}

// Do is Call for functions without a result.
func Do(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// IsTimeout reports whether err came from an expired guard.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
