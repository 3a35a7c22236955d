// Package memory implements the kernel ports in process. It backs the
// "memory" storage backend used for local runs and service tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/task"
)

// Store is an in-memory TaskStore and GoalStore. Every operation runs under
// one mutex, which makes CompareAndSwap a single critical section.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*task.Task
	taskOrder []string
	goals     map[string]*goal.Goal
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tasks: make(map[string]*task.Task),
		goals: make(map[string]*goal.Goal),
		now:   time.Now,
	}
}

// CreateTask inserts t with version 1 and status QUEUED.
func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("create task %s: %w", t.ID, domain.ErrDuplicate)
	}
	now := s.now().UTC()
	t.Version = 1
	t.Status = task.StatusQueued
	t.Dependencies = task.NormalizeDependencies(t.Dependencies)
	t.CreatedAt, t.UpdatedAt = now, now
	s.tasks[t.ID] = cloneTask(t)
	s.taskOrder = append(s.taskOrder, t.ID)
	return nil
}

// GetTask returns a copy of the stored task.
func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(t), nil
}

// CompareAndSwap applies status and output when the stored version matches.
func (s *Store) CompareAndSwap(_ context.Context, id string, expectedVersion int, status task.Status, output *task.Output) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("cas task %s: %w", id, domain.ErrNotFound)
	}
	if t.Version != expectedVersion {
		return false, nil
	}
	t.Status = status
	t.Output = cloneOutput(output)
	t.Version++
	t.UpdatedAt = s.now().UTC()
	return true, nil
}

// ListTasksByGoal returns the goal's tasks in creation order.
func (s *Store) ListTasksByGoal(_ context.Context, goalID string) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, id := range s.taskOrder {
		if t := s.tasks[id]; t.GoalID == goalID {
			out = append(out, *cloneTask(t))
		}
	}
	return out, nil
}

// CreateGoal inserts g with version 1.
func (s *Store) CreateGoal(_ context.Context, g *goal.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[g.ID]; ok {
		return fmt.Errorf("create goal %s: %w", g.ID, domain.ErrDuplicate)
	}
	now := s.now().UTC()
	g.Version = 1
	if g.Status == "" {
		g.Status = goal.StatusPending
	}
	g.CreatedAt, g.UpdatedAt = now, now
	cp := *g
	s.goals[g.ID] = &cp
	return nil
}

// GetGoal returns a copy of the stored goal.
func (s *Store) GetGoal(_ context.Context, id string) (*goal.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("get goal %s: %w", id, domain.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

// UpdateGoalStatus sets the status when the stored version matches.
func (s *Store) UpdateGoalStatus(_ context.Context, id string, expectedVersion int, status goal.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return false, fmt.Errorf("update goal %s: %w", id, domain.ErrNotFound)
	}
	if g.Version != expectedVersion {
		return false, nil
	}
	g.Status = status
	g.Version++
	g.UpdatedAt = s.now().UTC()
	return true, nil
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	cp.Input = slices.Clone(t.Input)
	cp.Dependencies = slices.Clone(t.Dependencies)
	if cp.Dependencies == nil {
		cp.Dependencies = []string{}
	}
	cp.Output = cloneOutput(t.Output)
	return &cp
}

func cloneOutput(o *task.Output) *task.Output {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Result = slices.Clone(o.Result)
	if o.Adjudication != nil {
		rec := *o.Adjudication
		cp.Adjudication = &rec
	}
	return &cp
}
