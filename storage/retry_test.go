package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, RetryDelay(base, maxDelay, attempt), "attempt %d", attempt)
	}

	assert.Equal(t, maxDelay, RetryDelay(base, maxDelay, 1000), "large attempts do not overflow")
}

func TestNewRetryBackOff(t *testing.T) {
	base := 10 * time.Millisecond
	maxDelay := 50 * time.Millisecond
	b := NewRetryBackOff(context.Background(), base, maxDelay, 5)

	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, RetryDelay(base, maxDelay, attempt), b.NextBackOff(), "attempt %d", attempt)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "stops after maxRetries")
}

func TestNewRetryBackOff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewRetryBackOff(ctx, time.Millisecond, time.Second, 10)
	cancel()

	assert.Equal(t, backoff.Stop, b.NextBackOff())
}
