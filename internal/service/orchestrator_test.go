package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/plan"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/database"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// mapCache is a minimal cache.Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func drafts(ds ...plan.Draft) *fakePlanner {
	return &fakePlanner{d: &plan.Decomposition{Tasks: ds}}
}

func draft(ref string, typ task.Type, deps ...string) plan.Draft {
	return plan.Draft{Ref: ref, Type: typ, Input: json.RawMessage(`{"ref":"` + ref + `"}`), DependsOn: deps}
}

func submit(t *testing.T, k *kernel) *Submission {
	t.Helper()
	sub, err := k.orch.SubmitGoal(context.Background(), &goal.CreateRequest{Description: "grow the audience", Priority: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return sub
}

// complete runs a queued task through start and result proposal.
func complete(t *testing.T, k *kernel, id string) *task.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := k.orch.StartTask(ctx, id); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	out, err := k.orch.ProposeResult(ctx, id, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("propose %s: %v", id, err)
	}
	return out
}

// pendingIDs lists the pending queue in order and leaves it unchanged.
func pendingIDs(t *testing.T, k *kernel) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for {
		c, err := k.queue.Dequeue(ctx, time.Millisecond)
		if err != nil {
			break
		}
		ids = append(ids, c.TaskID)
	}
	for _, id := range ids {
		if err := k.queue.Requeue(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	return ids
}

func TestSubmitGoalQueuesRoots(t *testing.T) {
	k := newKernel(t, drafts(
		draft("a", task.TypeResearch),
		draft("b", task.TypeContent, "a"),
		draft("c", task.TypeReply),
	))
	sub := submit(t, k)

	if sub.Goal.ID != "id-01" || sub.Goal.Status != goal.StatusInProgress || sub.Goal.Version != 2 {
		t.Fatalf("unexpected goal %+v", sub.Goal)
	}
	if len(sub.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(sub.Tasks))
	}
	b := sub.Tasks[1]
	if b.ID != "id-03" || !slices.Equal(b.Dependencies, []string{"id-02"}) {
		t.Errorf("refs must map to persisted ids, got %s deps %v", b.ID, b.Dependencies)
	}
	for _, tk := range sub.Tasks {
		if tk.Status != task.StatusQueued || tk.Version != 1 {
			t.Errorf("task %s: expected QUEUED v1, got %s v%d", tk.ID, tk.Status, tk.Version)
		}
	}

	if got := pendingIDs(t, k); !slices.Equal(got, []string{"id-02", "id-04"}) {
		t.Fatalf("expected only roots queued in order, got %v", got)
	}
	stored, err := k.orch.GetGoal(context.Background(), "id-01")
	if err != nil || stored.Status != goal.StatusInProgress {
		t.Fatalf("stored goal: %+v %v", stored, err)
	}
	if k.bus.count(messagequeue.SubjectTaskCreated) != 3 || k.bus.count(messagequeue.SubjectGoalSubmitted) != 1 {
		t.Errorf("unexpected events %v", k.bus.subjects)
	}
}

func TestSubmitGoalValidation(t *testing.T) {
	k := newKernel(t, drafts(draft("a", task.TypeResearch)))
	for name, req := range map[string]*goal.CreateRequest{
		"no description": {Priority: 1},
		"priority":       {Description: "x", Priority: 11},
	} {
		if _, err := k.orch.SubmitGoal(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestSubmitGoalMalformedDecomposition(t *testing.T) {
	for name, planner := range map[string]*fakePlanner{
		"malformed reply": {err: fmt.Errorf("%w: not json", domain.ErrMalformedOutput)},
		"cycle":           drafts(draft("a", task.TypeResearch, "b"), draft("b", task.TypeResearch, "a")),
		"transport":       {err: errors.New("connection refused")},
		"unknown task id": drafts(draft("a", task.TypeResearch, "no-such-task")),
	} {
		t.Run(name, func(t *testing.T) {
			k := newKernel(t, planner)
			sub := submit(t, k)

			if sub.Goal.Status != goal.StatusFailed {
				t.Errorf("expected FAILED goal, got %s", sub.Goal.Status)
			}
			if len(sub.Tasks) != 1 {
				t.Fatalf("expected one placeholder task, got %d", len(sub.Tasks))
			}
			placeholder := mustTask(t, k, sub.Tasks[0].ID)
			if placeholder.Status != task.StatusError || placeholder.Version != 2 {
				t.Errorf("expected ERROR v2 placeholder, got %s v%d", placeholder.Status, placeholder.Version)
			}
			if placeholder.Output == nil || !strings.HasPrefix(placeholder.Output.Error, "decomposition failed") {
				t.Errorf("placeholder must carry the reason, got %+v", placeholder.Output)
			}
			if d, _ := k.queue.Depth(context.Background()); d.Total() != 0 {
				t.Errorf("nothing may be queued, got %+v", d)
			}
		})
	}
}

func TestSubmitGoalDependsOnCompletedTask(t *testing.T) {
	k := newKernel(t, drafts(
		draft("post", task.TypeContent, "done-1"),
		draft("reply", task.TypeReply, "post"),
	))
	k.seedTask(t, "done-1", task.StatusDone)
	sub := submit(t, k)

	if sub.Goal.Status != goal.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS goal, got %s", sub.Goal.Status)
	}
	post := sub.Tasks[0]
	if post.ID != "id-02" || !slices.Equal(post.Dependencies, []string{"done-1"}) {
		t.Fatalf("existing task ids must pass through, got %s deps %v", post.ID, post.Dependencies)
	}
	if got := pendingIDs(t, k); !slices.Equal(got, []string{"id-02"}) {
		t.Fatalf("task depending only on a DONE task must be queued at once, got %v", got)
	}

	complete(t, k, "id-02")
	if got := pendingIDs(t, k); !slices.Contains(got, "id-03") {
		t.Fatalf("expected id-03 released, got %v", got)
	}
}

func TestSubmitGoalDependsOnUnfinishedTask(t *testing.T) {
	k := newKernel(t, drafts(draft("post", task.TypeContent, "busy")))
	k.seedTask(t, "busy", task.StatusInProgress)
	sub := submit(t, k)

	if sub.Goal.Status != goal.StatusFailed || len(sub.Tasks) != 1 {
		t.Fatalf("expected FAILED goal with a placeholder, got %s with %d tasks", sub.Goal.Status, len(sub.Tasks))
	}
	ph := mustTask(t, k, sub.Tasks[0].ID)
	if ph.Status != task.StatusError || !strings.Contains(ph.Output.Error, plan.ErrDepNotDone.Error()) {
		t.Fatalf("unexpected placeholder %s %+v", ph.Status, ph.Output)
	}
	if d, _ := k.queue.Depth(context.Background()); d.Total() != 0 {
		t.Fatalf("nothing may be queued, got %+v", d)
	}
}

// flakyQueue fails every Enqueue after the first ok calls.
type flakyQueue struct {
	workqueue.Queue
	mu sync.Mutex
	ok int
}

func (q *flakyQueue) Enqueue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ok == 0 {
		return errors.New("queue unavailable")
	}
	q.ok--
	return q.Queue.Enqueue(ctx, id)
}

// flakyStore fails every CreateTask after the first ok calls.
type flakyStore struct {
	database.Store
	ok int
}

func (s *flakyStore) CreateTask(ctx context.Context, t *task.Task) error {
	if s.ok == 0 {
		return errors.New("disk full")
	}
	s.ok--
	return s.Store.CreateTask(ctx, t)
}

func TestSubmitGoalEnqueueFailureFailsGoal(t *testing.T) {
	k := newKernel(t, drafts(
		draft("a", task.TypeResearch),
		draft("b", task.TypeContent, "a"),
		draft("c", task.TypeReply),
	))
	k.orch.queue = &flakyQueue{Queue: k.queue, ok: 1}

	_, err := k.orch.SubmitGoal(context.Background(), &goal.CreateRequest{Description: "grow", Priority: 1})
	if err == nil || !strings.Contains(err.Error(), "queue unavailable") {
		t.Fatalf("expected the enqueue error, got %v", err)
	}

	g, err := k.store.GetGoal(context.Background(), "id-01")
	if err != nil || g.Status != goal.StatusFailed {
		t.Fatalf("goal must be FAILED, got %+v %v", g, err)
	}
	for _, id := range []string{"id-02", "id-03", "id-04"} {
		if tk := mustTask(t, k, id); tk.Status != task.StatusError {
			t.Errorf("%s: expected ERROR, got %s", id, tk.Status)
		}
	}
}

func TestSubmitGoalCreateFailureFailsGoal(t *testing.T) {
	k := newKernel(t, drafts(
		draft("a", task.TypeResearch),
		draft("b", task.TypeContent, "a"),
	))
	k.orch.store = &flakyStore{Store: k.store, ok: 1}

	_, err := k.orch.SubmitGoal(context.Background(), &goal.CreateRequest{Description: "grow", Priority: 1})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected the create error, got %v", err)
	}
	g, _ := k.store.GetGoal(context.Background(), "id-01")
	if g.Status != goal.StatusFailed {
		t.Fatalf("goal must be FAILED, got %s", g.Status)
	}
	if tk := mustTask(t, k, "id-02"); tk.Status != task.StatusError {
		t.Fatalf("created task must be failed, got %s", tk.Status)
	}
	if d, _ := k.queue.Depth(context.Background()); d.Total() != 0 {
		t.Fatalf("nothing may be queued, got %+v", d)
	}
}

func TestDoneReleasesDependentsAndCompletesGoal(t *testing.T) {
	k := newKernel(t, drafts(
		draft("a", task.TypeResearch),
		draft("b", task.TypeContent, "a"),
	))
	cache := &mapCache{}
	k.orch.SetCache(cache, time.Minute)
	submit(t, k)

	if got := pendingIDs(t, k); !slices.Equal(got, []string{"id-02"}) {
		t.Fatalf("expected [id-02], got %v", got)
	}
	if a := complete(t, k, "id-02"); a.Status != task.StatusDone {
		t.Fatalf("expected DONE, got %s", a.Status)
	}
	if got := pendingIDs(t, k); !slices.Contains(got, "id-03") {
		t.Fatalf("dependent must be released once its dependency is DONE, got %v", got)
	}

	g, _ := k.orch.GetGoal(context.Background(), "id-01")
	if g.Status != goal.StatusInProgress {
		t.Fatalf("goal finished early: %s", g.Status)
	}
	if _, ok := cache.data["goal.id-01"]; ok {
		t.Fatal("non-terminal goals must not be cached")
	}

	complete(t, k, "id-03")
	g, _ = k.orch.GetGoal(context.Background(), "id-01")
	if g.Status != goal.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", g.Status)
	}
	if _, ok := cache.data["goal.id-01"]; !ok {
		t.Fatal("terminal goal should be cached")
	}
}

func TestRejectCascadesToDependents(t *testing.T) {
	k := newKernel(t, drafts(
		draft("a", task.TypeResearch),
		draft("b", task.TypeContent, "a"),
		draft("c", task.TypeDistribution, "b"),
		draft("d", task.TypeReply),
	))
	submit(t, k)

	k.scorer.set(0.2)
	if a := complete(t, k, "id-02"); a.Status != task.StatusError {
		t.Fatalf("expected ERROR, got %s", a.Status)
	}
	for _, id := range []string{"id-03", "id-04"} {
		tk := mustTask(t, k, id)
		if tk.Status != task.StatusError || tk.Output == nil || !strings.HasPrefix(tk.Output.Error, "dependency ") {
			t.Errorf("%s: expected cascaded ERROR, got %s %+v", id, tk.Status, tk.Output)
		}
	}
	if d := mustTask(t, k, "id-05"); d.Status != task.StatusQueued {
		t.Errorf("independent task must be untouched, got %s", d.Status)
	}

	g, _ := k.orch.GetGoal(context.Background(), "id-01")
	if g.Status != goal.StatusInProgress {
		t.Fatalf("goal must wait for the independent task, got %s", g.Status)
	}
	k.scorer.set(0.95)
	complete(t, k, "id-05")
	g, _ = k.orch.GetGoal(context.Background(), "id-01")
	if g.Status != goal.StatusFailed {
		t.Fatalf("expected FAILED, got %s", g.Status)
	}
}

func TestAdjudicateReview(t *testing.T) {
	k := newKernel(t, drafts(draft("a", task.TypeResearch)))
	submit(t, k)
	ctx := context.Background()

	k.scorer.set(0.8)
	if a := complete(t, k, "id-02"); a.Status != task.StatusReview {
		t.Fatalf("expected REVIEW, got %s", a.Status)
	}
	if ids, _ := k.hitl.List(ctx); !slices.Equal(ids, []string{"id-02"}) {
		t.Fatalf("expected task in hitl queue, got %v", ids)
	}

	out, err := k.orch.Adjudicate(ctx, "id-02", adjudication.Request{Decision: adjudication.DecisionApprove})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StatusDone || out.Version != 4 {
		t.Fatalf("expected DONE v4, got %s v%d", out.Status, out.Version)
	}
	if out.Output.Adjudication.Reviewer != "human" {
		t.Errorf("expected default reviewer, got %q", out.Output.Adjudication.Reviewer)
	}
	if string(out.Output.Result) != `{"ok":true}` {
		t.Errorf("worker result must survive human adjudication, got %s", out.Output.Result)
	}
	if ids, _ := k.hitl.List(ctx); len(ids) != 0 {
		t.Errorf("expected empty hitl queue, got %v", ids)
	}
	if g, _ := k.orch.GetGoal(ctx, "id-01"); g.Status != goal.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", g.Status)
	}
}

func TestAdjudicateErrors(t *testing.T) {
	k := newKernel(t, drafts(draft("a", task.TypeResearch)))
	submit(t, k)
	ctx := context.Background()
	bad := 1.5

	if _, err := k.orch.Adjudicate(ctx, "id-02", adjudication.Request{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for empty request, got %v", err)
	}
	if _, err := k.orch.Adjudicate(ctx, "id-02", adjudication.Request{Confidence: &bad}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for out of range score, got %v", err)
	}
	if _, err := k.orch.Adjudicate(ctx, "missing", adjudication.Request{Decision: adjudication.DecisionReject}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := k.orch.Adjudicate(ctx, "id-02", adjudication.Request{Decision: adjudication.DecisionApprove}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("QUEUED tasks cannot be adjudicated, got %v", err)
	}
	if _, err := k.orch.ProposeResult(ctx, "id-02", json.RawMessage(`{}`)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("results are only accepted IN_PROGRESS, got %v", err)
	}
}

func TestReturnTask(t *testing.T) {
	k := newKernel(t, drafts(draft("a", task.TypeResearch)))
	submit(t, k)
	ctx := context.Background()

	started, err := k.orch.StartTask(ctx, "id-02")
	if err != nil {
		t.Fatal(err)
	}
	back, err := k.orch.ReturnTask(ctx, started, "worker shutting down")
	if err != nil {
		t.Fatal(err)
	}
	if back.Status != task.StatusQueued || back.Version != 3 || back.Output.Error != "worker shutting down" {
		t.Fatalf("unexpected returned task %+v", back)
	}
	if _, err := k.orch.ReturnTask(ctx, started, "again"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale version must conflict, got %v", err)
	}
	if k.bus.count(messagequeue.SubjectTaskRequeued) != 1 {
		t.Errorf("expected one requeue event, got %v", k.bus.subjects)
	}
}

func TestFailTaskRollsUpGoal(t *testing.T) {
	k := newKernel(t, drafts(draft("a", task.TypeTransaction)))
	submit(t, k)
	ctx := context.Background()

	started, _ := k.orch.StartTask(ctx, "id-02")
	failed, err := k.orch.FailTask(ctx, started, errors.New("wallet unavailable"))
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != task.StatusError || failed.Output.Error != "wallet unavailable" {
		t.Fatalf("unexpected failed task %+v", failed)
	}
	if g, _ := k.orch.GetGoal(ctx, "id-01"); g.Status != goal.StatusFailed {
		t.Errorf("expected FAILED goal, got %s", g.Status)
	}
}

func TestListGoalTasks(t *testing.T) {
	k := newKernel(t, drafts(draft("a", task.TypeResearch), draft("b", task.TypeReply)))
	submit(t, k)

	tasks, err := k.orch.ListGoalTasks(context.Background(), "id-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "id-02" || tasks[1].ID != "id-03" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if _, err := k.orch.ListGoalTasks(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
