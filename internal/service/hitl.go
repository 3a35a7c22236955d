package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/database"
	"github.com/Strob0t/Chimera/internal/port/hitl"
)

// HITLService reads the human review queue.
type HITLService struct {
	registry hitl.Registry
	store    database.TaskStore
}

// NewHITLService creates a HITLService.
func NewHITLService(registry hitl.Registry, store database.TaskStore) *HITLService {
	return &HITLService{registry: registry, store: store}
}

// Queue returns the tasks awaiting review in registry order. Members whose
// task is gone or already terminal are dropped from the registry. Members
// not yet in REVIEW are skipped but kept: a finalize adds the member before
// its swap lands.
func (s *HITLService) Queue(ctx context.Context) ([]task.Task, error) {
	ids, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hitl queue: %w", err)
	}

	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.store.GetTask(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.drop(ctx, id, "task not found")
			continue
		case err != nil:
			return nil, fmt.Errorf("hydrate hitl task %s: %w", id, err)
		}
		if t.Status.IsTerminal() {
			s.drop(ctx, id, "task is terminal")
			continue
		}
		if t.Status != task.StatusReview {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// IDs returns the raw registry membership.
func (s *HITLService) IDs(ctx context.Context) ([]string, error) {
	return s.registry.List(ctx)
}

func (s *HITLService) drop(ctx context.Context, id, reason string) {
	slog.WarnContext(ctx, "dropping stale hitl member", "task_id", id, "reason", reason)
	if err := s.registry.Remove(ctx, id); err != nil {
		slog.WarnContext(ctx, "hitl remove failed", "task_id", id, "error", err)
	}
}
