package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewRetryBackOff returns the backoff used by Connect:
// delay = min(base * 2^attempt, max), without jitter, stopping after
// maxRetries retries or when ctx is done.
func NewRetryBackOff(ctx context.Context, base, maxDelay time.Duration, maxRetries uint64) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// RetryDelay returns the delay before retry number attempt (0-based).
func RetryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
