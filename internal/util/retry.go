package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and doubling. It returns nil on the first successful call, or the
// last error if all attempts fail. Cancelling ctx stops the retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(NewBackOff(baseDelay, 0)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// NewBackOff returns a doubling backoff starting at base and capped at max.
// A zero max leaves the backoff library's default cap in place.
func NewBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if max > 0 {
		b.MaxInterval = max
	}
	b.Reset()
	return b
}
