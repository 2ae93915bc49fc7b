package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Deliver stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Deliver calls send up to 1+retries times, sleeping Backoff(base, n)
// before retry n. attempt is 1-based. It returns nil on the first success,
// the error itself for a Permanent failure, and the last error once
// attempts run out or ctx ends.
func Deliver(ctx context.Context, retries int, base time.Duration, send func(ctx context.Context, attempt int) error) error {
	attempts := 1 + max(retries, 0)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(Backoff(base, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("canceled after %d attempts: %w", attempt-1, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled before delivery: %w", err)
		}

		lastErr = send(ctx, attempt)
		switch {
		case lastErr == nil:
			return nil
		case IsPermanent(lastErr):
			return fmt.Errorf("attempt %d: %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
