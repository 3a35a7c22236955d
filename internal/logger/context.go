package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	goalIDKey
	taskIDKey
	agentIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithGoalID tags the context with the goal being processed.
func WithGoalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, goalIDKey, id)
}

// WithTaskID tags the context with the task being processed.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID extracts the task ID from the context.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// WithAgentID tags the context with the agent identity charged for spend.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// ContextHandler adds the correlation ids stored in the record's context.
type ContextHandler struct {
	inner slog.Handler
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle appends request_id, goal_id, task_id and agent_id when present.
func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if ctx != nil {
		for _, f := range []struct {
			key string
			k   contextKey
		}{
			{"request_id", requestIDKey},
			{"goal_id", goalIDKey},
			{"task_id", taskIDKey},
			{"agent_id", agentIDKey},
		} {
			if v, _ := ctx.Value(f.k).(string); v != "" {
				rec.AddAttrs(slog.String(f.key, v))
			}
		}
	}
	return h.inner.Handle(ctx, rec)
}

// WithAttrs wraps the inner handler's WithAttrs.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup wraps the inner handler's WithGroup.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
