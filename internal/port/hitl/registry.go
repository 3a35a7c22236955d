// Package hitl defines the port for the set of tasks awaiting human review.
package hitl

import "context"

// Registry is a membership index of task ids. Add and Remove are idempotent.
type Registry interface {
	Add(ctx context.Context, taskID string) error
	Remove(ctx context.Context, taskID string) error
	List(ctx context.Context) ([]string, error)
}
