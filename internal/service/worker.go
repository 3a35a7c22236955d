package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// ErrPermanent marks an execution failure that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// abandonTimeout bounds the cleanup of an in-flight task after the worker
// context was cancelled.
const abandonTimeout = 5 * time.Second

// Handler executes one task and returns its JSON result.
type Handler interface {
	Handle(ctx context.Context, t *task.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *task.Task) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	return f(ctx, t)
}

// HandlerTable dispatches tasks to handlers by type.
type HandlerTable struct {
	handlers map[task.Type]Handler
}

// NewHandlerTable builds a dispatch table. Every key must be a known task
// type and every known type must have a handler.
func NewHandlerTable(handlers map[task.Type]Handler) (*HandlerTable, error) {
	for typ := range handlers {
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: handler for unknown task type %q", domain.ErrValidation, typ)
		}
	}
	for _, typ := range task.AllTypes() {
		if handlers[typ] == nil {
			return nil, fmt.Errorf("%w: no handler for task type %s", domain.ErrValidation, typ)
		}
	}
	return &HandlerTable{handlers: handlers}, nil
}

// Lookup returns the handler for typ.
func (h *HandlerTable) Lookup(typ task.Type) (Handler, bool) {
	handler, ok := h.handlers[typ]
	return handler, ok
}

// TaskRunner is the slice of the orchestrator a worker drives.
type TaskRunner interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	StartTask(ctx context.Context, id string) (*task.Task, error)
	ReturnTask(ctx context.Context, t *task.Task, reason string) (*task.Task, error)
	FailTask(ctx context.Context, t *task.Task, cause error) (*task.Task, error)
	ProposeResult(ctx context.Context, id string, result json.RawMessage) (*task.Task, error)
}

// WorkerConfig configures one worker loop.
type WorkerConfig struct {
	ID             string
	Types          []task.Type // empty accepts every type
	DequeueTimeout time.Duration
	RequeueBackoff time.Duration
	MaxAttempts    int
}

// Worker claims tasks from the queue, executes them through the handler
// table and proposes the results for adjudication.
type Worker struct {
	cfg      WorkerConfig
	queue    workqueue.Queue
	runner   TaskRunner
	handlers *HandlerTable
	events   eventBus
	metrics  *chotel.Metrics
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig, queue workqueue.Queue, runner TaskRunner, handlers *HandlerTable) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{cfg: cfg, queue: queue, runner: runner, handlers: handlers}
}

// SetEventBus enables tasks.requeued events for type mismatches.
func (w *Worker) SetEventBus(q messagequeue.Queue) { w.events = eventBus{queue: q} }

// SetMetrics enables requeue counters.
func (w *Worker) SetMetrics(m *chotel.Metrics) { w.metrics = m }

// Run processes tasks until ctx is cancelled. It returns nil on
// cancellation and the first queue error otherwise.
func (w *Worker) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "worker started", "worker_id", w.cfg.ID, "types", w.cfg.Types)
	defer slog.InfoContext(ctx, "worker stopped", "worker_id", w.cfg.ID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// ProcessOne waits up to the dequeue timeout for one task and handles it.
// An empty queue is not an error.
func (w *Worker) ProcessOne(ctx context.Context) error {
	claim, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
	if errors.Is(err, workqueue.ErrEmpty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	log := slog.With("worker_id", w.cfg.ID, "task_id", claim.TaskID)

	t, err := w.runner.GetTask(ctx, claim.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		log.WarnContext(ctx, "dropping queue entry for unknown task")
		return w.ack(ctx, claim.TaskID)
	}
	if err != nil {
		w.release(ctx, claim.TaskID)
		return fmt.Errorf("load task %s: %w", claim.TaskID, err)
	}

	if t.Status != task.StatusQueued {
		log.WarnContext(ctx, "dropping queue entry for task not in QUEUED", "status", t.Status)
		return w.ack(ctx, t.ID)
	}

	if !w.accepts(t.Type) {
		return w.requeueMismatch(ctx, t)
	}

	handler, ok := w.handlers.Lookup(t.Type)
	if !ok {
		return w.requeueMismatch(ctx, t)
	}

	started, err := w.runner.StartTask(ctx, t.ID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidTransition) {
			log.WarnContext(ctx, "task changed before start", "error", err)
			return w.ack(ctx, t.ID)
		}
		w.release(ctx, t.ID)
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}

	attempt := claim.Attempts + 1
	spanCtx, span := chotel.StartTaskSpan(ctx, t.ID, string(t.Type), attempt)
	result, err := handler.Handle(spanCtx, started)
	if err == nil {
		_, err = w.runner.ProposeResult(spanCtx, t.ID, result)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidTransition) {
			log.WarnContext(ctx, "result superseded", "error", err)
			chotel.EndSpan(span, err)
			return w.settleSuperseded(context.WithoutCancel(ctx), t.ID)
		}
	}
	chotel.EndSpan(span, err)

	if err != nil {
		if ctx.Err() != nil {
			w.abandon(context.WithoutCancel(ctx), started, "worker shutting down")
			return ctx.Err()
		}
		return w.handleFailure(ctx, started, attempt, err)
	}
	log.InfoContext(ctx, "task processed", "attempt", attempt)
	return w.ack(context.WithoutCancel(ctx), t.ID)
}

// handleFailure retries a failed execution until the attempt budget is
// spent, then fails the task. Budget denials and permanent failures are
// never retried.
func (w *Worker) handleFailure(ctx context.Context, t *task.Task, attempt int, cause error) error {
	final := attempt >= w.cfg.MaxAttempts ||
		errors.Is(cause, domain.ErrBudgetExceeded) ||
		errors.Is(cause, ErrPermanent)
	if !final {
		slog.WarnContext(ctx, "task execution failed, retrying",
			"worker_id", w.cfg.ID, "task_id", t.ID, "attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "error", cause)
		w.abandon(ctx, t, cause.Error())
		return nil
	}
	if _, err := w.runner.FailTask(ctx, t, cause); err != nil {
		slog.ErrorContext(ctx, "fail task", "task_id", t.ID, "error", err)
	}
	return w.ack(ctx, t.ID)
}

// settleSuperseded acknowledges the claim of a task another writer moved
// out of IN_PROGRESS. A task still IN_PROGRESS keeps its claim for the
// sweeper.
func (w *Worker) settleSuperseded(ctx context.Context, taskID string) error {
	t, err := w.runner.GetTask(ctx, taskID)
	if err != nil {
		slog.WarnContext(ctx, "reread superseded task", "worker_id", w.cfg.ID, "task_id", taskID, "error", err)
		return nil
	}
	if t.Status == task.StatusInProgress {
		return nil
	}
	return w.ack(ctx, taskID)
}

// abandon returns an IN_PROGRESS task to QUEUED and its claim to pending.
func (w *Worker) abandon(ctx context.Context, t *task.Task, reason string) {
	ctx, cancel := context.WithTimeout(ctx, abandonTimeout)
	defer cancel()
	if _, err := w.runner.ReturnTask(ctx, t, reason); err != nil {
		slog.WarnContext(ctx, "return task", "task_id", t.ID, "error", err)
	}
	if err := w.queue.Abandon(ctx, t.ID); err != nil && !errors.Is(err, workqueue.ErrNotInFlight) {
		slog.ErrorContext(ctx, "abandon claim", "task_id", t.ID, "error", err)
	}
}

// requeueMismatch hands a task this worker cannot run back to the queue and
// backs off so a matching consumer can claim it.
func (w *Worker) requeueMismatch(ctx context.Context, t *task.Task) error {
	if err := w.queue.Requeue(ctx, t.ID); err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	slog.DebugContext(ctx, "task type not handled, requeued", "worker_id", w.cfg.ID, "task_id", t.ID, "type", t.Type)
	if w.metrics != nil {
		w.metrics.RecordRequeued(ctx, "type_mismatch")
	}
	w.events.taskEvent(ctx, messagequeue.SubjectTaskRequeued, t)

	if w.cfg.RequeueBackoff <= 0 {
		return nil
	}
	timer := time.NewTimer(w.cfg.RequeueBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

// release hands a claim back without counting an attempt after an
// infrastructure error.
func (w *Worker) release(ctx context.Context, taskID string) {
	if err := w.queue.Requeue(context.WithoutCancel(ctx), taskID); err != nil {
		slog.WarnContext(ctx, "release claim", "task_id", taskID, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, taskID string) error {
	if err := w.queue.Acknowledge(ctx, taskID); err != nil && !errors.Is(err, workqueue.ErrNotInFlight) {
		return fmt.Errorf("acknowledge task %s: %w", taskID, err)
	}
	return nil
}

func (w *Worker) accepts(typ task.Type) bool {
	return len(w.cfg.Types) == 0 || slices.Contains(w.cfg.Types, typ)
}

// RunPool runs the workers and the optional sweeper until ctx is cancelled
// or one of them fails.
func RunPool(ctx context.Context, workers []*Worker, sweeper *Sweeper) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(ctx) })
	}
	return g.Wait()
}
