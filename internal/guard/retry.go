package guard

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// BackoffFunc returns the delay before retry number attempt (0-based).
type BackoffFunc func(attempt int) time.Duration

// RetryPolicy describes how a failing call is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// ExponentialBackoff returns min(base*2^attempt, max).
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max || d <= 0 {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// WithJitter spreads each delay uniformly over [d*(1-factor), d].
func WithJitter(b BackoffFunc, factor float64) BackoffFunc {
	if factor <= 0 {
		return b
	}
	if factor > 1 {
		factor = 1
	}
	return func(attempt int) time.Duration {
		d := b(attempt)
		cut := time.Duration(float64(d) * factor * rand.Float64())
		return d - cut
	}
}

// DefaultRetryable retries everything except cancellation, an open circuit
// and errors marked Permanent.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	case IsPermanent(err):
		return false
	}
	return true
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are used up. Waiting between attempts uses clk and stops
// early if ctx is done.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, fn func(context.Context) error) error {
	if clk == nil {
		clk = clock.New()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff(attempt)
		}
		if delay <= 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}

		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
}
