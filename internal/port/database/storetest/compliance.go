// Package storetest provides a behavioural suite shared by TaskStore and
// GoalStore adapters.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/database"
)

// NewGoal creates and stores a goal for tasks to reference.
func NewGoal(t *testing.T, s database.GoalStore) *goal.Goal {
	t.Helper()
	g := &goal.Goal{
		ID:          uuid.NewString(),
		Description: "grow the audience",
		Budget:      decimal.RequireFromString("25.00"),
		Priority:    3,
		Status:      goal.StatusPending,
	}
	if err := s.CreateGoal(context.Background(), g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	return g
}

// NewTask creates and stores a QUEUED research task under goalID.
func NewTask(t *testing.T, s database.TaskStore, goalID string, deps ...string) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:           uuid.NewString(),
		GoalID:       goalID,
		Type:         task.TypeResearch,
		Input:        json.RawMessage(`{"topic":"trends"}`),
		Dependencies: deps,
	}
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

// RunComplianceTests runs the shared suite against s.
func RunComplianceTests(t *testing.T, s database.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateStartsAtVersionOne", func(t *testing.T) {
		g := NewGoal(t, s)
		tk := NewTask(t, s, g.ID)
		got, err := s.GetTask(ctx, tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 1 || got.Status != task.StatusQueued {
			t.Fatalf("expected version 1 QUEUED, got v%d %s", got.Version, got.Status)
		}
		if string(got.Input) != `{"topic":"trends"}` {
			t.Fatalf("input not preserved: %s", got.Input)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		g := NewGoal(t, s)
		tk := NewTask(t, s, g.ID)
		dup := &task.Task{ID: tk.ID, GoalID: g.ID, Type: task.TypeReply}
		if err := s.CreateTask(ctx, dup); !errors.Is(err, domain.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.GetTask(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetGoal(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for goal, got %v", err)
		}
	})

	t.Run("CompareAndSwapAdvancesByOne", func(t *testing.T) {
		g := NewGoal(t, s)
		tk := NewTask(t, s, g.ID)
		out := &task.Output{Result: json.RawMessage(`{"summary":"ok"}`)}
		ok, err := s.CompareAndSwap(ctx, tk.ID, 1, task.StatusInProgress, out)
		if err != nil || !ok {
			t.Fatalf("expected swap, got ok=%v err=%v", ok, err)
		}
		got, _ := s.GetTask(ctx, tk.ID)
		if got.Version != 2 || got.Status != task.StatusInProgress {
			t.Fatalf("expected v2 IN_PROGRESS, got v%d %s", got.Version, got.Status)
		}
		if got.Output == nil || string(got.Output.Result) != `{"summary":"ok"}` {
			t.Fatalf("output not stored: %+v", got.Output)
		}
	})

	t.Run("StaleCompareAndSwapDoesNotMutate", func(t *testing.T) {
		g := NewGoal(t, s)
		tk := NewTask(t, s, g.ID)
		if ok, _ := s.CompareAndSwap(ctx, tk.ID, 1, task.StatusInProgress, nil); !ok {
			t.Fatal("first swap should win")
		}
		ok, err := s.CompareAndSwap(ctx, tk.ID, 1, task.StatusError, &task.Output{Error: "stale"})
		if err != nil {
			t.Fatalf("stale swap must not error, got %v", err)
		}
		if ok {
			t.Fatal("stale swap must fail")
		}
		got, _ := s.GetTask(ctx, tk.ID)
		if got.Version != 2 || got.Status != task.StatusInProgress || got.Output != nil {
			t.Fatalf("stale swap mutated the record: v%d %s %+v", got.Version, got.Status, got.Output)
		}
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		_, err := s.CompareAndSwap(ctx, uuid.NewString(), 1, task.StatusDone, nil)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentCompareAndSwapSingleWinner", func(t *testing.T) {
		g := NewGoal(t, s)
		tk := NewTask(t, s, g.ID)
		const writers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, tk.ID, 1, task.StatusInProgress, nil)
				if err != nil {
					t.Errorf("swap: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		got, _ := s.GetTask(ctx, tk.ID)
		if got.Version != 2 {
			t.Fatalf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("ListTasksByGoalInCreationOrder", func(t *testing.T) {
		g := NewGoal(t, s)
		a := NewTask(t, s, g.ID)
		b := NewTask(t, s, g.ID, a.ID)
		other := NewGoal(t, s)
		NewTask(t, s, other.ID)

		got, err := s.ListTasksByGoal(ctx, g.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
			t.Fatalf("unexpected listing: %+v", got)
		}
		if len(got[1].Dependencies) != 1 || got[1].Dependencies[0] != a.ID {
			t.Fatalf("dependencies not preserved: %v", got[1].Dependencies)
		}
	})

	t.Run("GoalStatusVersionChecked", func(t *testing.T) {
		g := NewGoal(t, s)
		ok, err := s.UpdateGoalStatus(ctx, g.ID, 1, goal.StatusInProgress)
		if err != nil || !ok {
			t.Fatalf("expected update, got ok=%v err=%v", ok, err)
		}
		ok, err = s.UpdateGoalStatus(ctx, g.ID, 1, goal.StatusFailed)
		if err != nil || ok {
			t.Fatalf("expected stale update to fail quietly, got ok=%v err=%v", ok, err)
		}
		got, _ := s.GetGoal(ctx, g.ID)
		if got.Status != goal.StatusInProgress || got.Version != 2 {
			t.Fatalf("expected v2 IN_PROGRESS, got v%d %s", got.Version, got.Status)
		}
		if !got.Budget.Equal(decimal.RequireFromString("25")) {
			t.Fatalf("budget not preserved: %s", got.Budget)
		}
	})
}
