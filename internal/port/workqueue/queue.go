// Package workqueue defines the at-least-once task handoff port.
package workqueue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when the timeout elapses with nothing pending.
var ErrEmpty = errors.New("work queue: no task available")

// ErrNotInFlight is returned when acknowledging, requeueing or abandoning an
// id that no consumer currently holds.
var ErrNotInFlight = errors.New("work queue: task is not in flight")

// Claim is an in-flight marker held by a consumer.
type Claim struct {
	TaskID    string    `json:"task_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	Attempts  int       `json:"attempts"` // executions abandoned so far
}

// Depth counts the entries of a queue.
type Depth struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// Total returns pending plus in-flight entries.
func (d Depth) Total() int { return d.Pending + d.InFlight }

// Queue is an ordered handoff of task ids with in-flight markers.
type Queue interface {
	// Enqueue appends id to the tail of pending. Enqueueing an id that is
	// already pending or in flight is a no-op.
	Enqueue(ctx context.Context, taskID string) error

	// Dequeue atomically moves the head of pending into flight. It blocks up
	// to timeout without spinning and returns ErrEmpty when it elapses, or
	// the context error when ctx is done first.
	Dequeue(ctx context.Context, timeout time.Duration) (Claim, error)

	// Requeue hands an in-flight id back to the tail of pending without
	// counting an attempt.
	Requeue(ctx context.Context, taskID string) error

	// Acknowledge clears the in-flight marker after successful processing.
	Acknowledge(ctx context.Context, taskID string) error

	// Abandon returns an in-flight id to the tail of pending and counts an attempt.
	Abandon(ctx context.Context, taskID string) error

	// InFlight enumerates the current claims, oldest first.
	InFlight(ctx context.Context) ([]Claim, error)

	// Depth reports pending and in-flight counts.
	Depth(ctx context.Context) (Depth, error)
}
