package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultMaxAttempts is the number of tries before Retry gives up.
	DefaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval and any server-requested delay.
	maxDelay = 30 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. Only errors for which [IsRetryable] reports true are retried; any
// other error is returned immediately, unwrapped. When every attempt fails the
// last error is returned as is, so a *TransportError reaches the caller
// unchanged.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(retryDelay(attempt, lastErr)):
			}
		}
	}
	return lastErr
}

// retryDelay honours a server-requested Retry-After when it is longer than
// the computed backoff.
func retryDelay(attempt int, err error) time.Duration {
	d := backoffDelay(attempt)
	var te *TransportError
	if errors.As(err, &te) && te.RetryAfter > d {
		d = min(te.RetryAfter, maxDelay)
	}
	return d
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50-100 % jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
