package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// Queue is an in-memory work queue. Waiting consumers block on a channel
// that is closed and replaced whenever work arrives.
type Queue struct {
	mu       sync.Mutex
	pending  []string
	attempts map[string]int // attempts carried by pending entries
	inFlight map[string]workqueue.Claim
	wake     chan struct{}
	now      func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		attempts: make(map[string]int),
		inFlight: make(map[string]workqueue.Claim),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue appends id to pending unless it is already queued or in flight.
func (q *Queue) Enqueue(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[taskID]; ok || slices.Contains(q.pending, taskID) {
		return nil
	}
	q.pushLocked(taskID, 0)
	return nil
}

// Dequeue claims the head of pending, waiting up to timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (workqueue.Claim, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			c := workqueue.Claim{TaskID: id, ClaimedAt: q.now().UTC(), Attempts: q.attempts[id]}
			delete(q.attempts, id)
			q.inFlight[id] = c
			q.mu.Unlock()
			return c, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return workqueue.Claim{}, ctx.Err()
		case <-timer.C:
			return workqueue.Claim{}, workqueue.ErrEmpty
		case <-wake:
		}
	}
}

// Requeue moves an in-flight id to the tail of pending keeping its attempts.
func (q *Queue) Requeue(_ context.Context, taskID string) error {
	return q.release(taskID, 0)
}

// Abandon moves an in-flight id to the tail of pending and counts an attempt.
func (q *Queue) Abandon(_ context.Context, taskID string) error {
	return q.release(taskID, 1)
}

// Acknowledge drops the in-flight marker.
func (q *Queue) Acknowledge(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[taskID]; !ok {
		return workqueue.ErrNotInFlight
	}
	delete(q.inFlight, taskID)
	return nil
}

// InFlight lists claims oldest first.
func (q *Queue) InFlight(_ context.Context) ([]workqueue.Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]workqueue.Claim, 0, len(q.inFlight))
	for _, c := range q.inFlight {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b workqueue.Claim) int { return a.ClaimedAt.Compare(b.ClaimedAt) })
	return out, nil
}

// Depth reports pending and in-flight counts.
func (q *Queue) Depth(_ context.Context) (workqueue.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return workqueue.Depth{Pending: len(q.pending), InFlight: len(q.inFlight)}, nil
}

func (q *Queue) release(taskID string, addAttempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.inFlight[taskID]
	if !ok {
		return workqueue.ErrNotInFlight
	}
	delete(q.inFlight, taskID)
	q.pushLocked(taskID, c.Attempts+addAttempts)
	return nil
}

// pushLocked must be called with q.mu held.
func (q *Queue) pushLocked(taskID string, attempts int) {
	q.pending = append(q.pending, taskID)
	if attempts > 0 {
		q.attempts[taskID] = attempts
	}
	close(q.wake)
	q.wake = make(chan struct{})
}
