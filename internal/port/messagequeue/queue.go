// Package messagequeue defines the event bus port used to publish kernel
// lifecycle events.
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Subjects may end in a ".>" wildcard. The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects published by the kernel.
const (
	SubjectGoalSubmitted = "goals.submitted"
	SubjectGoalStatus    = "goals.status"
	SubjectTaskCreated   = "tasks.created"
	SubjectTaskStatus    = "tasks.status"
	SubjectTaskRequeued  = "tasks.requeued"
	SubjectHITLAdded     = "hitl.added"
	SubjectHITLRemoved   = "hitl.removed"
	SubjectBudgetAuth    = "budget.authorized"
	SubjectBudgetDenied  = "budget.denied"

	SubjectGoalsAll  = "goals.>"
	SubjectTasksAll  = "tasks.>"
	SubjectHITLAll   = "hitl.>"
	SubjectBudgetAll = "budget.>"
)

// StreamSubjects lists the wildcard subjects the kernel stream captures.
func StreamSubjects() []string {
	return []string{SubjectGoalsAll, SubjectTasksAll, SubjectHITLAll, SubjectBudgetAll}
}
