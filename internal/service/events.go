package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
)

// eventBus publishes lifecycle events. Publishing is best effort: a bus
// failure is logged and never fails the kernel operation that emitted it.
type eventBus struct {
	queue messagequeue.Queue
}

func (b eventBus) publish(ctx context.Context, subject string, payload any) {
	if b.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal event", "subject", subject, "error", err)
		return
	}
	if err := b.queue.Publish(ctx, subject, data); err != nil {
		slog.WarnContext(ctx, "publish event", "subject", subject, "error", err)
	}
}

func (b eventBus) taskEvent(ctx context.Context, subject string, t *task.Task) {
	p := messagequeue.TaskEventPayload{
		TaskID:  t.ID,
		GoalID:  t.GoalID,
		Type:    string(t.Type),
		Status:  string(t.Status),
		Version: t.Version,
	}
	if t.Output != nil && t.Output.Adjudication != nil {
		rec := t.Output.Adjudication
		p.Decision = string(rec.Decision)
		c := rec.Confidence
		p.Confidence = &c
	}
	b.publish(ctx, subject, p)
}
