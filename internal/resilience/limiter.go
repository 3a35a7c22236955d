package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrent calls to a shared dependency.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter creates a Limiter admitting at most limit concurrent calls.
func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(limit))}
}

// Do waits for a slot, runs fn and releases the slot. It returns ctx.Err()
// when ctx ends first. A nil Limiter runs fn directly.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if l == nil || l.sem == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}
