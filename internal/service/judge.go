package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/database"
	"github.com/Strob0t/Chimera/internal/port/hitl"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
)

// reviewerJudge identifies records produced by the judge role.
const reviewerJudge = "judge"

// Scorer rates a task result with a confidence in [0, 1].
type Scorer interface {
	Score(ctx context.Context, t *task.Task, result json.RawMessage) (confidence float64, comment string, err error)
}

// Judge is the adjudication gate. It classifies results by confidence and
// finalizes tasks through the store's compare-and-swap, keeping the HITL
// registry in step with the REVIEW status.
type Judge struct {
	store   database.TaskStore
	hitl    hitl.Registry
	scorer  Scorer
	events  eventBus
	metrics *chotel.Metrics
	now     func() time.Time
}

// NewJudge creates a Judge.
func NewJudge(store database.TaskStore, registry hitl.Registry, scorer Scorer) *Judge {
	return &Judge{
		store:  store,
		hitl:   registry,
		scorer: scorer,
		now:    time.Now,
	}
}

// SetEventBus enables lifecycle events for finalized tasks.
func (j *Judge) SetEventBus(q messagequeue.Queue) { j.events = eventBus{queue: q} }

// SetMetrics enables finalize counters.
func (j *Judge) SetMetrics(m *chotel.Metrics) { j.metrics = m }

// Evaluate scores result for t and returns the classified record. A judge
// reply that fails validation is returned as an error wrapping
// domain.ErrMalformedOutput; no record is produced for it.
func (j *Judge) Evaluate(ctx context.Context, t *task.Task, result json.RawMessage) (adjudication.Record, error) {
	confidence, comment, err := j.scorer.Score(ctx, t, result)
	if err != nil {
		return adjudication.Record{}, fmt.Errorf("evaluate task %s: %w", t.ID, err)
	}
	rec, err := adjudication.NewRecord(t.ID, confidence, comment, j.now())
	if err != nil {
		return adjudication.Record{}, fmt.Errorf("evaluate task %s: %w: %w", t.ID, domain.ErrMalformedOutput, err)
	}
	rec.Reviewer = reviewerJudge
	return rec, nil
}

// Finalize applies rec to the task: APPROVE moves it to DONE, ASYNC_REVIEW
// to REVIEW and REJECT to ERROR, in one compare-and-swap against the version
// read here. result replaces the stored worker result when non-nil.
//
// A task entering REVIEW is added to the HITL registry before the swap so it
// is never in REVIEW without being listed; every other outcome removes it
// after the swap. A lost race returns domain.ErrAdjudicationConflict and
// undoes a registry add the winning write does not justify.
func (j *Judge) Finalize(ctx context.Context, taskID string, rec adjudication.Record, result json.RawMessage) (*task.Task, error) {
	target, ok := task.StatusFor(rec.Decision)
	if !ok {
		return nil, fmt.Errorf("%w: unknown decision %q", domain.ErrValidation, rec.Decision)
	}

	cur, err := j.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("finalize task %s: %w", taskID, err)
	}
	if !task.CanTransition(cur.Status, target) {
		return nil, fmt.Errorf("finalize task %s %s -> %s: %w", taskID, cur.Status, target, domain.ErrInvalidTransition)
	}

	rec.TaskID = taskID
	out := &task.Output{Result: result, Adjudication: &rec}
	if result == nil && cur.Output != nil {
		out.Result = cur.Output.Result
		out.Error = cur.Output.Error
	}

	added := false
	if target == task.StatusReview {
		if err := j.hitl.Add(ctx, taskID); err != nil {
			return nil, fmt.Errorf("finalize task %s: hitl add: %w", taskID, err)
		}
		added = true
	}

	swapped, err := j.store.CompareAndSwap(ctx, taskID, cur.Version, target, out)
	if err != nil || !swapped {
		if added {
			j.reconcile(ctx, taskID)
		}
		if err != nil {
			return nil, fmt.Errorf("finalize task %s: %w", taskID, err)
		}
		slog.WarnContext(ctx, "finalize lost race", "task_id", taskID, "version", cur.Version, "decision", rec.Decision)
		return nil, fmt.Errorf("finalize task %s at version %d: %w", taskID, cur.Version, domain.ErrAdjudicationConflict)
	}

	if target != task.StatusReview {
		if err := j.hitl.Remove(ctx, taskID); err != nil {
			slog.WarnContext(ctx, "hitl remove failed", "task_id", taskID, "error", err)
		}
	}

	updated := *cur
	updated.Status = target
	updated.Output = out
	updated.Version = cur.Version + 1
	updated.UpdatedAt = j.now().UTC()

	slog.InfoContext(ctx, "task finalized",
		"audit", true,
		"task_id", taskID,
		"goal_id", cur.GoalID,
		"decision", rec.Decision,
		"confidence", rec.Confidence,
		"reviewer", rec.Reviewer,
		"version", updated.Version,
	)
	if j.metrics != nil {
		j.metrics.RecordFinalized(ctx, string(rec.Decision))
	}
	j.events.taskEvent(ctx, messagequeue.SubjectTaskStatus, &updated)
	switch {
	case target == task.StatusReview:
		j.events.publish(ctx, messagequeue.SubjectHITLAdded, messagequeue.HITLEventPayload{TaskID: taskID, GoalID: cur.GoalID})
	case cur.Status == task.StatusReview:
		j.events.publish(ctx, messagequeue.SubjectHITLRemoved, messagequeue.HITLEventPayload{TaskID: taskID, GoalID: cur.GoalID})
	}
	return &updated, nil
}

// reconcile drops registry membership for a task that is not in REVIEW after
// a finalize that added it failed.
func (j *Judge) reconcile(ctx context.Context, taskID string) {
	t, err := j.store.GetTask(ctx, taskID)
	if err != nil {
		slog.WarnContext(ctx, "hitl reconcile: reread failed", "task_id", taskID, "error", err)
		return
	}
	if t.Status == task.StatusReview {
		return
	}
	if err := j.hitl.Remove(ctx, taskID); err != nil {
		slog.WarnContext(ctx, "hitl reconcile: remove failed", "task_id", taskID, "error", err)
	}
}
