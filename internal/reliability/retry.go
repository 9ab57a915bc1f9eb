package reliability

import (
	"context"
	"errors"
	"time"
)

// PermanentError wraps an error Retry must not retry.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retry runs fn up to attempts times with ExponentialBackoff between tries.
// It stops early on success, on a Permanent error, or when ctx is done.
// Context cancellation errors are returned as-is, never retried.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ExponentialBackoff(i, base, cap)):
		}
	}
	return err
}
