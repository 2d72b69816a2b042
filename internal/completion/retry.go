package completion

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxRetryInterval = 30 * time.Second

// RetryPolicy bounds transport-level retries for a single provider.
// Rate limits and empty answers are never retried.
type RetryPolicy struct {
	MaxAttempts int
	// NewBackOff returns a fresh schedule for one Send.
	NewBackOff func() backoff.BackOff
	// MaxWait is the longest total time one Send can spend sleeping between attempts.
	MaxWait time.Duration
}

// ExponentialRetry doubles the delay after every failed attempt, starting at initial.
func ExponentialRetry(maxAttempts int, initial time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	const jitter = 0.1

	var wait time.Duration
	interval := initial
	for i := 1; i < maxAttempts; i++ {
		wait += time.Duration(float64(interval) * (1 + jitter))
		interval = min(interval*2, maxRetryInterval)
	}

	return RetryPolicy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.Multiplier = 2
			b.RandomizationFactor = jitter
			b.MaxInterval = maxRetryInterval
			return b
		},
		MaxWait: wait,
	}
}

// ConstantRetry waits the same delay between attempts.
func ConstantRetry(maxAttempts int, delay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		},
		MaxWait: delay * time.Duration(maxAttempts-1),
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return ExponentialRetry(2, time.Second)
}

// TurnBudget is the worst-case time one provider can take under p with the
// given per-attempt timeout.
func (p RetryPolicy) TurnBudget(timeout time.Duration) time.Duration {
	return timeout*time.Duration(p.MaxAttempts) + p.MaxWait
}
