// Package resilience wraps the engine's LLM calls with retry, circuit
// breaking and model fallback. Retries only cover call creation; consuming a
// stream is never retried.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for the LLM call path.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts including the first (min 1)
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // per-attempt cap
	Multiplier   float64       // exponential factor
	Jitter       bool          // full jitter over the computed delay
}

// DefaultRetryPolicy matches the engine defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableFunc is one attempt of the wrapped operation.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// Do executes fn under the policy. Errors classified NonRetryable return
// immediately; cancellation is never retried or converted. onRetry, when set,
// observes each scheduled retry before its delay elapses.
func Do[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn RetryableFunc[T],
	classify func(error) Class,
	onRetry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			// Cancellation or deadline: surface the context error, not a
			// retry wrapper.
			return zero, ctx.Err()
		}
		lastErr = err
		if classify(err) == ClassNonRetryable {
			return zero, err
		}
		if attempt >= attempts {
			return zero, &ExhaustedError{Err: lastErr, Attempts: attempt}
		}

		delay := backoffDelay(policy, attempt-1, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes the delay before retry number attempt (0-based),
// honoring a provider Retry-After hint when present.
func backoffDelay(policy RetryPolicy, attempt int, err error) time.Duration {
	if ra := retryAfterHint(err); ra > 0 {
		if ra > policy.MaxDelay {
			return policy.MaxDelay
		}
		return ra
	}

	d := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt))
	if max := float64(policy.MaxDelay); d > max {
		d = max
	}
	if policy.Jitter {
		// Full jitter: uniform over [0, d].
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// ExhaustedError indicates all retry attempts failed.
type ExhaustedError struct {
	Err      error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
