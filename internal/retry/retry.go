// Package retry provides a bounded, fixed-backoff retry executor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExhausted is matched by errors returned after every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2500 * time.Millisecond
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy controls how an operation is retried. The delay between attempts is
// constant.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Sleep       SleepFunc
	// OnRetry, if set, is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns three attempts spaced 2.5s apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
	}
}

// ExhaustedError carries the error from the final attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap exposes the last underlying error.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExhausted) match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Do invokes op until it succeeds or MaxAttempts is reached. On exhaustion
// it returns an *ExhaustedError wrapping the last error observed.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return zero, &ExhaustedError{Attempts: attempt - 1, Err: lastErr}
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		slog.Debug("Retrying after failure", "attempt", attempt, "max_attempts", maxAttempts, "delay", p.Backoff, "error", err)

		if err := sleep(ctx, p.Backoff); err != nil {
			return zero, &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Sleep waits for d using a timer, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
