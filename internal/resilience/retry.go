package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry calls fn up to attempts times while retryable reports true for its
// error. Waits grow linearly from base with up to 50% jitter and stop early
// when ctx is cancelled. The last error is returned.
func Retry(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil || !retryable(err) || attempt == attempts {
			return err
		}
		wait := base * time.Duration(attempt)
		if wait > 0 {
			wait += time.Duration(rand.Int64N(int64(wait)/2 + 1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
