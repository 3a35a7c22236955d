// Package database defines the persistence ports for tasks and goals.
package database

import (
	"context"

	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/task"
)

// TaskStore is the durable record of tasks. CompareAndSwap is the only
// mutation path after creation.
type TaskStore interface {
	// CreateTask inserts t with version 1 and status QUEUED.
	// Returns domain.ErrDuplicate if the id is taken.
	CreateTask(ctx context.Context, t *task.Task) error

	// GetTask returns the current record or domain.ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// CompareAndSwap sets status and output and increments the version by one
	// when the stored version equals expectedVersion. A version mismatch
	// returns (false, nil) without mutating anything; an unknown id returns
	// domain.ErrNotFound.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int, status task.Status, output *task.Output) (bool, error)

	// ListTasksByGoal returns the tasks of a goal in creation order.
	ListTasksByGoal(ctx context.Context, goalID string) ([]task.Task, error)
}

// GoalStore persists goals.
type GoalStore interface {
	CreateGoal(ctx context.Context, g *goal.Goal) error
	GetGoal(ctx context.Context, id string) (*goal.Goal, error)

	// UpdateGoalStatus is version-checked like TaskStore.CompareAndSwap.
	UpdateGoalStatus(ctx context.Context, id string, expectedVersion int, status goal.Status) (bool, error)
}

// Store groups the record stores backed by one database.
type Store interface {
	TaskStore
	GoalStore
}
