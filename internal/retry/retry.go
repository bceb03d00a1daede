// Package retry provides the bounded-attempt backoff discipline shared by
// the reasoning-service and scoring-engine clients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a sequence of attempts against an external service.
// Each attempt runs under its own deadline; between attempts the caller
// sleeps a linearly growing backoff. The zero value is unusable; use New
// or fill every field.
type Policy struct {
	MaxAttempts int           // total attempts, >= 1
	Timeout     time.Duration // per-attempt deadline
	Backoff     time.Duration // base sleep, multiplied by attempt number
}

// New returns a Policy with the given bounds.
func New(maxAttempts int, timeout, backoff time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Policy{MaxAttempts: maxAttempts, Timeout: timeout, Backoff: backoff}
}

// permanentError wraps an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, a permanent error occurs, the attempt budget
// is exhausted, or ctx is cancelled. The last error is returned wrapped with
// the attempt count so callers can log the cause of their fallback.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before attempt %d: %w", attempt, err)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("attempt %d: %w", attempt, perm.err)
		}
		if attempt == p.MaxAttempts {
			break
		}
		if !sleep(ctx, time.Duration(attempt)*p.Backoff) {
			return fmt.Errorf("cancelled during backoff after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}

// sleep waits for d or until ctx is done; reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
