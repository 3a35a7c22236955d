package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// TaskReturner is the slice of the orchestrator the sweeper needs.
type TaskReturner interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ReturnTask(ctx context.Context, t *task.Task, reason string) (*task.Task, error)
}

// Sweeper recovers claims held by workers that died: in-flight entries older
// than the liveness timeout are abandoned back to pending.
type Sweeper struct {
	queue    workqueue.Queue
	tasks    TaskReturner
	liveness time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(queue workqueue.Queue, tasks TaskReturner, liveness, interval time.Duration) *Sweeper {
	return &Sweeper{
		queue:    queue,
		tasks:    tasks,
		liveness: liveness,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "sweep failed", "error", err)
			} else if n > 0 {
				slog.InfoContext(ctx, "sweep recovered claims", "count", n)
			}
		}
	}
}

// SweepOnce abandons every expired claim and returns how many it recovered.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	claims, err := s.queue.InFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-flight claims: %w", err)
	}
	cutoff := s.now().Add(-s.liveness)
	recovered := 0
	for _, c := range claims {
		if !c.ClaimedAt.Before(cutoff) {
			// Claims are ordered oldest first.
			break
		}
		t, err := s.tasks.GetTask(ctx, c.TaskID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := s.queue.Acknowledge(ctx, c.TaskID); err != nil && !errors.Is(err, workqueue.ErrNotInFlight) {
				return recovered, fmt.Errorf("clear claim %s: %w", c.TaskID, err)
			}
			continue
		case err != nil:
			return recovered, fmt.Errorf("load task %s: %w", c.TaskID, err)
		}
		if t.Status == task.StatusInProgress {
			if _, err := s.tasks.ReturnTask(ctx, t, "claim expired"); err != nil {
				slog.WarnContext(ctx, "sweep: return task", "task_id", t.ID, "error", err)
			}
		}
		if err := s.queue.Abandon(ctx, c.TaskID); err != nil {
			if errors.Is(err, workqueue.ErrNotInFlight) {
				continue
			}
			return recovered, fmt.Errorf("abandon claim %s: %w", c.TaskID, err)
		}
		slog.WarnContext(ctx, "claim expired", "task_id", c.TaskID, "claimed_at", c.ClaimedAt, "attempts", c.Attempts+1)
		recovered++
	}
	return recovered, nil
}
