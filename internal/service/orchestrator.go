package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/plan"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/cache"
	"github.com/Strob0t/Chimera/internal/port/database"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// goalStatusRetries bounds the compare-and-swap retries of a goal roll-up.
const goalStatusRetries = 3

// Planner decomposes a goal into a validated task graph.
type Planner interface {
	Decompose(ctx context.Context, g *goal.Goal) (*plan.Decomposition, error)
}

// Submission is the outcome of submitting a goal.
type Submission struct {
	Goal  *goal.Goal  `json:"goal"`
	Tasks []task.Task `json:"tasks"`
}

// OrchestratorService turns goals into queued task graphs and drives tasks
// through adjudication, dependency release and goal roll-up.
type OrchestratorService struct {
	store    database.Store
	queue    workqueue.Queue
	planner  Planner
	judge    *Judge
	cache    cache.Cache
	cacheTTL time.Duration
	events   eventBus
	metrics  *chotel.Metrics
	newID    func() string
	now      func() time.Time
}

// NewOrchestratorService creates an OrchestratorService.
func NewOrchestratorService(store database.Store, queue workqueue.Queue, planner Planner, judge *Judge) *OrchestratorService {
	return &OrchestratorService{
		store:   store,
		queue:   queue,
		planner: planner,
		judge:   judge,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// SetCache enables caching of goals that reached a terminal status.
func (s *OrchestratorService) SetCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.cacheTTL = ttl
}

// SetEventBus enables goal and task lifecycle events.
func (s *OrchestratorService) SetEventBus(q messagequeue.Queue) { s.events = eventBus{queue: q} }

// SetMetrics enables goal and requeue counters.
func (s *OrchestratorService) SetMetrics(m *chotel.Metrics) { s.metrics = m }

// SubmitGoal persists a goal, decomposes it and queues the tasks that have
// no dependencies. When decomposition fails the goal gets a single ERROR
// placeholder task carrying the reason and is marked FAILED; that outcome
// is returned without an error.
func (s *OrchestratorService) SubmitGoal(ctx context.Context, req *goal.CreateRequest) (_ *Submission, err error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	g := &goal.Goal{
		ID:          s.newID(),
		Description: req.Description,
		PersonaID:   req.PersonaID,
		Budget:      req.Budget,
		Priority:    req.Priority,
		Status:      goal.StatusPending,
	}
	ctx, span := chotel.StartGoalSpan(ctx, g.ID)
	defer func() { chotel.EndSpan(span, err) }()

	if err := s.store.CreateGoal(ctx, g); err != nil {
		return nil, fmt.Errorf("create goal: %w", err)
	}
	if s.metrics != nil {
		s.metrics.GoalsSubmitted.Add(ctx, 1)
	}
	s.events.publish(ctx, messagequeue.SubjectGoalSubmitted, messagequeue.GoalEventPayload{GoalID: g.ID, Status: string(g.Status)})
	slog.InfoContext(ctx, "goal submitted", "goal_id", g.ID, "priority", g.Priority)

	d, err := s.planner.Decompose(ctx, g)
	if err == nil {
		err = s.checkExternalDependencies(ctx, d)
	}
	if err != nil {
		return s.failDecomposition(ctx, g, err)
	}

	tasks, err := s.createTasks(ctx, g.ID, d)
	if err != nil {
		return nil, s.abortSubmission(ctx, g.ID, tasks, err)
	}

	// The goal moves to IN_PROGRESS before anything is queued so a roll-up
	// triggered by a fast worker never races this update.
	ok, err := s.store.UpdateGoalStatus(ctx, g.ID, g.Version, goal.StatusInProgress)
	if err == nil && !ok {
		err = domain.ErrConflict
	}
	if err != nil {
		return nil, s.abortSubmission(ctx, g.ID, tasks, fmt.Errorf("start goal %s: %w", g.ID, err))
	}
	g.Status = goal.StatusInProgress
	g.Version++

	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}
	for _, id := range plan.ReadyTasks(tasks, ids) {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			return nil, s.abortSubmission(ctx, g.ID, tasks, fmt.Errorf("enqueue task %s: %w", id, err))
		}
	}

	for i := range tasks {
		s.events.taskEvent(ctx, messagequeue.SubjectTaskCreated, &tasks[i])
	}
	s.events.publish(ctx, messagequeue.SubjectGoalStatus, messagequeue.GoalEventPayload{
		GoalID:    g.ID,
		Status:    string(g.Status),
		TaskCount: len(tasks),
	})
	slog.InfoContext(ctx, "goal decomposed", "goal_id", g.ID, "tasks", len(tasks))
	return &Submission{Goal: g, Tasks: tasks}, nil
}

// createTasks persists the drafts with fresh ids, mapping draft refs to them.
// Dependencies on existing tasks keep their ids. On error the tasks created
// so far are returned with it.
func (s *OrchestratorService) createTasks(ctx context.Context, goalID string, d *plan.Decomposition) ([]task.Task, error) {
	ids := make(map[string]string, len(d.Tasks))
	for i := range d.Tasks {
		ids[d.Tasks[i].Ref] = s.newID()
	}

	tasks := make([]task.Task, 0, len(d.Tasks))
	for i := range d.Tasks {
		dr := &d.Tasks[i]
		deps := make([]string, 0, len(dr.DependsOn))
		for _, ref := range dr.DependsOn {
			if id, ok := ids[ref]; ok {
				ref = id
			}
			deps = append(deps, ref)
		}
		t := task.Task{
			ID:           ids[dr.Ref],
			GoalID:       goalID,
			Type:         dr.Type,
			Input:        dr.Input,
			Dependencies: deps,
		}
		if err := s.store.CreateTask(ctx, &t); err != nil {
			return tasks, fmt.Errorf("create task %s (ref %s): %w", t.ID, dr.Ref, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// checkExternalDependencies requires every dependency outside the
// decomposition to name an existing DONE task.
func (s *OrchestratorService) checkExternalDependencies(ctx context.Context, d *plan.Decomposition) error {
	for _, id := range d.ExternalDependencies() {
		t, err := s.store.GetTask(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: dependency %q: %w", domain.ErrMalformedOutput, id, plan.ErrDAGInvalidRef)
		}
		if err != nil {
			return fmt.Errorf("resolve dependency %s: %w", id, err)
		}
		if t.Status != task.StatusDone {
			return fmt.Errorf("%w: dependency %s is %s: %w", domain.ErrMalformedOutput, id, t.Status, plan.ErrDepNotDone)
		}
	}
	return nil
}

// abortSubmission fails the tasks created so far and their goal after a
// storage or queue error, so no task stays QUEUED without a queue entry.
// It returns cause.
func (s *OrchestratorService) abortSubmission(ctx context.Context, goalID string, tasks []task.Task, cause error) error {
	ctx = context.WithoutCancel(ctx)
	slog.ErrorContext(ctx, "goal submission aborted", "goal_id", goalID, "tasks", len(tasks), "error", cause)

	out := &task.Output{Error: "submission aborted: " + cause.Error()}
	for i := range tasks {
		updated, err := s.transition(ctx, &tasks[i], task.StatusError, out)
		if err != nil {
			// A root already claimed by a worker finishes under the failed goal.
			slog.WarnContext(ctx, "abort task", "task_id", tasks[i].ID, "error", err)
			continue
		}
		tasks[i] = *updated
		s.events.taskEvent(ctx, messagequeue.SubjectTaskStatus, updated)
	}
	if err := s.setGoalStatus(ctx, goalID, goal.StatusFailed); err != nil {
		slog.ErrorContext(ctx, "fail goal", "goal_id", goalID, "error", err)
	}
	return cause
}

// failDecomposition records cause as a single ERROR task and fails the goal.
func (s *OrchestratorService) failDecomposition(ctx context.Context, g *goal.Goal, cause error) (*Submission, error) {
	if isMalformed(cause) {
		slog.WarnContext(ctx, "goal decomposition rejected", "goal_id", g.ID, "error", cause)
	} else {
		slog.ErrorContext(ctx, "goal decomposition failed", "goal_id", g.ID, "error", cause)
	}

	input, _ := json.Marshal(map[string]string{"error": "decomposition failed"})
	t := task.Task{
		ID:     s.newID(),
		GoalID: g.ID,
		Type:   task.TypeResearch,
		Input:  input,
	}
	if err := s.store.CreateTask(ctx, &t); err != nil {
		return nil, fmt.Errorf("create placeholder task: %w", err)
	}
	out := &task.Output{Error: "decomposition failed: " + cause.Error()}
	if ok, err := s.store.CompareAndSwap(ctx, t.ID, t.Version, task.StatusError, out); err != nil {
		return nil, fmt.Errorf("fail placeholder task %s: %w", t.ID, err)
	} else if !ok {
		return nil, fmt.Errorf("fail placeholder task %s: %w", t.ID, domain.ErrConflict)
	}
	t.Status = task.StatusError
	t.Output = out
	t.Version++

	if ok, err := s.store.UpdateGoalStatus(ctx, g.ID, g.Version, goal.StatusFailed); err != nil {
		return nil, fmt.Errorf("fail goal %s: %w", g.ID, err)
	} else if !ok {
		return nil, fmt.Errorf("fail goal %s: %w", g.ID, domain.ErrConflict)
	}
	g.Status = goal.StatusFailed
	g.Version++
	s.cacheGoal(ctx, g)

	s.events.taskEvent(ctx, messagequeue.SubjectTaskCreated, &t)
	s.events.publish(ctx, messagequeue.SubjectGoalStatus, messagequeue.GoalEventPayload{
		GoalID:    g.ID,
		Status:    string(g.Status),
		TaskCount: 1,
		Error:     cause.Error(),
	})
	return &Submission{Goal: g, Tasks: []task.Task{t}}, nil
}

// ProposeResult runs the judge over a worker result and finalizes the task.
// The task must be IN_PROGRESS.
func (s *OrchestratorService) ProposeResult(ctx context.Context, taskID string, result json.RawMessage) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("propose result %s: %w", taskID, err)
	}
	if t.Status != task.StatusInProgress {
		return nil, fmt.Errorf("propose result %s in status %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
	}

	rec, err := s.judge.Evaluate(ctx, t, result)
	if err != nil {
		return nil, err
	}
	updated, err := s.judge.Finalize(ctx, taskID, rec, result)
	if err != nil {
		return nil, err
	}
	s.afterFinalize(ctx, updated)
	return updated, nil
}

// Adjudicate applies a reviewer decision to a task. An explicit decision
// wins over the one derived from the confidence score.
func (s *OrchestratorService) Adjudicate(ctx context.Context, taskID string, req adjudication.Request) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if req.Reviewer == "" {
		req.Reviewer = "human"
	}
	updated, err := s.judge.Finalize(ctx, taskID, req.Record(taskID, s.now()), nil)
	if err != nil {
		return nil, err
	}
	s.afterFinalize(ctx, updated)
	return updated, nil
}

// StartTask moves a claimed task from QUEUED to IN_PROGRESS.
func (s *OrchestratorService) StartTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", taskID, err)
	}
	return s.transition(ctx, t, task.StatusInProgress, t.Output)
}

// ReturnTask moves an IN_PROGRESS task back to QUEUED so it can be claimed
// again. reason is kept in the output error field.
func (s *OrchestratorService) ReturnTask(ctx context.Context, t *task.Task, reason string) (*task.Task, error) {
	out := &task.Output{Error: reason}
	if t.Output != nil {
		out.Result = t.Output.Result
	}
	updated, err := s.transition(ctx, t, task.StatusQueued, out)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordRequeued(ctx, "abandoned")
	}
	s.events.taskEvent(ctx, messagequeue.SubjectTaskRequeued, updated)
	return updated, nil
}

// FailTask moves an IN_PROGRESS task to ERROR without adjudication, used
// when execution itself failed for good.
func (s *OrchestratorService) FailTask(ctx context.Context, t *task.Task, cause error) (*task.Task, error) {
	updated, err := s.transition(ctx, t, task.StatusError, &task.Output{Error: cause.Error()})
	if err != nil {
		return nil, err
	}
	slog.WarnContext(ctx, "task failed", "task_id", t.ID, "goal_id", t.GoalID, "error", cause)
	s.events.taskEvent(ctx, messagequeue.SubjectTaskStatus, updated)
	s.afterFinalize(ctx, updated)
	return updated, nil
}

// transition applies one status change at the version of t.
func (s *OrchestratorService) transition(ctx context.Context, t *task.Task, to task.Status, out *task.Output) (*task.Task, error) {
	if !task.CanTransition(t.Status, to) {
		return nil, fmt.Errorf("task %s %s -> %s: %w", t.ID, t.Status, to, domain.ErrInvalidTransition)
	}
	ok, err := s.store.CompareAndSwap(ctx, t.ID, t.Version, to, out)
	if err != nil {
		return nil, fmt.Errorf("task %s -> %s: %w", t.ID, to, err)
	}
	if !ok {
		return nil, fmt.Errorf("task %s at version %d: %w", t.ID, t.Version, domain.ErrConflict)
	}
	updated := *t
	updated.Status = to
	updated.Output = out
	updated.Version = t.Version + 1
	updated.UpdatedAt = s.now().UTC()
	return &updated, nil
}

// afterFinalize propagates a status change through the task graph. Errors
// are logged: the finalize itself already succeeded.
func (s *OrchestratorService) afterFinalize(ctx context.Context, t *task.Task) {
	switch t.Status {
	case task.StatusDone:
		if err := s.releaseDependents(ctx, t); err != nil {
			slog.ErrorContext(ctx, "release dependents", "task_id", t.ID, "error", err)
		}
	case task.StatusError:
		if err := s.failDependents(ctx, t); err != nil {
			slog.ErrorContext(ctx, "fail dependents", "task_id", t.ID, "error", err)
		}
	default:
		return
	}
	if err := s.rollUpGoal(ctx, t.GoalID); err != nil {
		slog.ErrorContext(ctx, "goal roll-up", "goal_id", t.GoalID, "error", err)
	}
}

// releaseDependents queues the dependents of t whose dependencies are all DONE.
func (s *OrchestratorService) releaseDependents(ctx context.Context, t *task.Task) error {
	tasks, err := s.store.ListTasksByGoal(ctx, t.GoalID)
	if err != nil {
		return fmt.Errorf("list tasks of goal %s: %w", t.GoalID, err)
	}
	for _, id := range plan.ReadyTasks(tasks, plan.Dependents(tasks, t.ID)) {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("enqueue task %s: %w", id, err)
		}
		slog.InfoContext(ctx, "task released", "task_id", id, "after", t.ID)
	}
	return nil
}

// failDependents marks every QUEUED task that transitively depends on the
// failed task as ERROR. A dependent that lost a swap was changed by a
// concurrent writer, which owns its propagation.
func (s *OrchestratorService) failDependents(ctx context.Context, failed *task.Task) error {
	tasks, err := s.store.ListTasksByGoal(ctx, failed.GoalID)
	if err != nil {
		return fmt.Errorf("list tasks of goal %s: %w", failed.GoalID, err)
	}
	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	pending := []string{failed.ID}
	for len(pending) > 0 {
		cause := pending[0]
		pending = pending[1:]
		for _, id := range plan.Dependents(tasks, cause) {
			dep := byID[id]
			if dep.Status != task.StatusQueued {
				continue
			}
			updated, err := s.transition(ctx, dep, task.StatusError, &task.Output{Error: "dependency " + cause + " failed"})
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			*dep = *updated
			s.events.taskEvent(ctx, messagequeue.SubjectTaskStatus, updated)
			pending = append(pending, id)
		}
	}
	return nil
}

// rollUpGoal completes or fails the goal once all of its tasks are terminal.
func (s *OrchestratorService) rollUpGoal(ctx context.Context, goalID string) error {
	tasks, err := s.store.ListTasksByGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("list tasks of goal %s: %w", goalID, err)
	}
	if len(tasks) == 0 || !plan.AllTerminal(tasks) {
		return nil
	}
	status := goal.StatusCompleted
	if plan.AnyFailed(tasks) {
		status = goal.StatusFailed
	}
	return s.setGoalStatus(ctx, goalID, status)
}

// setGoalStatus moves a non-terminal goal to status, retrying lost swaps.
func (s *OrchestratorService) setGoalStatus(ctx context.Context, goalID string, status goal.Status) error {
	for range goalStatusRetries {
		g, err := s.store.GetGoal(ctx, goalID)
		if err != nil {
			return fmt.Errorf("get goal %s: %w", goalID, err)
		}
		if g.Status.IsTerminal() {
			return nil
		}
		ok, err := s.store.UpdateGoalStatus(ctx, goalID, g.Version, status)
		if err != nil {
			return fmt.Errorf("update goal %s: %w", goalID, err)
		}
		if !ok {
			continue
		}
		g.Status = status
		g.Version++
		slog.InfoContext(ctx, "goal finished", "goal_id", goalID, "status", status)
		s.cacheGoal(ctx, g)
		s.events.publish(ctx, messagequeue.SubjectGoalStatus, messagequeue.GoalEventPayload{GoalID: goalID, Status: string(status)})
		return nil
	}
	return fmt.Errorf("update goal %s: %w", goalID, domain.ErrConflict)
}

// GetTask returns a task by id.
func (s *OrchestratorService) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// GetGoal returns a goal by id. Terminal goals never change again and are
// served from the cache when one is configured.
func (s *OrchestratorService) GetGoal(ctx context.Context, id string) (*goal.Goal, error) {
	key := goalCacheKey(id)
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "goal cache get", "goal_id", id, "error", err)
		} else if ok {
			var g goal.Goal
			if err := json.Unmarshal(data, &g); err == nil {
				return &g, nil
			}
			slog.WarnContext(ctx, "goal cache entry corrupt", "goal_id", id)
		}
	}

	g, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheGoal(ctx, g)
	return g, nil
}

// ListGoalTasks returns the tasks of an existing goal in creation order.
func (s *OrchestratorService) ListGoalTasks(ctx context.Context, goalID string) ([]task.Task, error) {
	if _, err := s.GetGoal(ctx, goalID); err != nil {
		return nil, err
	}
	return s.store.ListTasksByGoal(ctx, goalID)
}

func (s *OrchestratorService) cacheGoal(ctx context.Context, g *goal.Goal) {
	if s.cache == nil || !g.Status.IsTerminal() {
		return
	}
	data, err := json.Marshal(g)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, goalCacheKey(g.ID), data, s.cacheTTL); err != nil {
		slog.WarnContext(ctx, "goal cache set", "goal_id", g.ID, "error", err)
	}
}

func goalCacheKey(id string) string { return "goal." + id }
