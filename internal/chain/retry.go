package chain

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 3
	initialBackoff     = 200 * time.Millisecond
)

// withRetry runs fn with small exponential backoff while the error is a
// rate limit or a transport failure.
func withRetry[T any](ctx context.Context, attempts int, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := initialBackoff
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || !Retryable(err) {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		if Classify(err) == KindRateLimited {
			backoff *= 2
		}
	}
	return zero, lastErr
}
