// Package retry provides the bounded retry-with-backoff loop shared by the
// adapter controller, the registration coordinator and the advertisement
// publisher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy bounds a retry loop. Delay grows by Multiplier after every failed
// attempt, capped at MaxDelay when MaxDelay is non-zero.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Fixed retries up to attempts times with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Multiplier: 1}
}

// Exponential retries up to attempts times, doubling the delay each attempt.
func Exponential(attempts int, base time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: base, Multiplier: 2}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Do stops immediately and returns the
// wrapped error as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the attempt budget
// is exhausted, or ctx is canceled. The error of the last attempt is returned
// wrapped so callers can match it with errors.Is.
func Do(ctx context.Context, p Policy, logger *logrus.Logger, op string, fn func() error) error {
	if logger == nil {
		logger = logrus.New()
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	delay := p.Delay
	var lastErr error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == p.Attempts {
			break
		}

		logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("Operation failed, retrying")

		if !Sleep(ctx, delay) {
			return ctx.Err()
		}

		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.Attempts, lastErr)
}

// Sleep waits for d or until ctx is canceled. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
