package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	chhttp "github.com/Strob0t/Chimera/internal/adapter/http"
	"github.com/Strob0t/Chimera/internal/adapter/memory"
	"github.com/Strob0t/Chimera/internal/domain/budget"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/plan"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
	"github.com/Strob0t/Chimera/internal/service"
)

// stubPlanner returns a fixed two-task graph.
type stubPlanner struct{}

func (stubPlanner) Decompose(context.Context, *goal.Goal) (*plan.Decomposition, error) {
	return &plan.Decomposition{Tasks: []plan.Draft{
		{Ref: "research", Type: task.TypeResearch},
		{Ref: "post", Type: task.TypeContent, DependsOn: []string{"research"}},
	}}, nil
}

// stubScorer returns a fixed confidence.
type stubScorer struct{ confidence float64 }

func (s stubScorer) Score(context.Context, *task.Task, json.RawMessage) (float64, string, error) {
	return s.confidence, "", nil
}

type testEnv struct {
	router http.Handler
	orch   *service.OrchestratorService
	queue  *memory.Queue
	budget *service.BudgetService
}

func newTestEnv(t *testing.T, confidence float64) *testEnv {
	t.Helper()
	store := memory.NewStore()
	queue := memory.NewQueue()
	registry := memory.NewHITLRegistry()
	limits := budget.Limits{Daily: decimal.NewFromInt(50), Weekly: decimal.NewFromInt(200)}

	judge := service.NewJudge(store, registry, stubScorer{confidence: confidence})
	orch := service.NewOrchestratorService(store, queue, stubPlanner{}, judge)
	budgetSvc := service.NewBudgetService(memory.NewLedger(limits), limits, 0.8)

	r := chi.NewRouter()
	chhttp.MountRoutes(r, &chhttp.Handlers{
		Orchestrator: orch,
		HITL:         service.NewHITLService(registry, store),
		Budget:       budgetSvc,
		Queue:        queue,
	})
	return &testEnv{router: r, orch: orch, queue: queue, budget: budgetSvc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(t *testing.T) service.Submission {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/goals", `{"description":"grow","priority":3,"budget":"10.50"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sub service.Submission
	if err := json.NewDecoder(rec.Body).Decode(&sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

// review drives the root task of sub into REVIEW.
func (e *testEnv) review(t *testing.T, sub service.Submission) string {
	t.Helper()
	ctx := context.Background()
	id := sub.Tasks[0].ID
	if _, err := e.orch.StartTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	got, err := e.orch.ProposeResult(ctx, id, json.RawMessage(`{"notes":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusReview {
		t.Fatalf("expected REVIEW, got %s", got.Status)
	}
	return id
}

func TestSubmitGoal(t *testing.T) {
	env := newTestEnv(t, 0.95)
	sub := env.submit(t)

	if sub.Goal.Status != goal.StatusInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", sub.Goal.Status)
	}
	if !sub.Goal.Budget.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("budget lost precision: %s", sub.Goal.Budget)
	}
	if len(sub.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(sub.Tasks))
	}
	if d, _ := env.queue.Depth(context.Background()); d.Pending != 1 {
		t.Errorf("only the root should be queued, got %+v", d)
	}
}

func TestSubmitGoalBadRequests(t *testing.T) {
	env := newTestEnv(t, 0.95)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing description", `{"priority":1}`},
		{"negative budget", `{"description":"x","budget":"-1"}`},
		{"priority out of range", `{"description":"x","priority":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/v1/goals", tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetGoalAndTasks(t *testing.T) {
	env := newTestEnv(t, 0.95)
	sub := env.submit(t)

	rec := env.do(t, http.MethodGet, "/api/v1/goals/"+sub.Goal.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var g goal.Goal
	if err := json.NewDecoder(rec.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}
	if g.ID != sub.Goal.ID {
		t.Errorf("unexpected goal %+v", g)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/goals/"+sub.Goal.ID+"/tasks", "")
	var tasks []task.Task
	if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/goals/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/goals/missing/tasks", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t, 0.95)
	sub := env.submit(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/"+sub.Tasks[1].ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got task.Task
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != sub.Tasks[0].ID {
		t.Errorf("unexpected dependencies %v", got.Dependencies)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/tasks/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdjudicateTask(t *testing.T) {
	env := newTestEnv(t, 0.8)
	sub := env.submit(t)
	id := env.review(t, sub)

	rec := env.do(t, http.MethodGet, "/api/v1/hitl/queue", "")
	var queue []task.Task
	if err := json.NewDecoder(rec.Body).Decode(&queue); err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 || queue[0].ID != id {
		t.Fatalf("expected the task in the review queue, got %+v", queue)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/adjudicate", `{"decision":"APPROVE","reviewer":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got task.Task
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusDone || got.Version != 4 {
		t.Fatalf("expected DONE v4, got %s v%d", got.Status, got.Version)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/hitl/queue", "")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty review queue, got %s", body)
	}

	// A finalized task cannot be adjudicated again.
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/adjudicate", `{"decision":"REJECT"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAdjudicateTaskErrors(t *testing.T) {
	env := newTestEnv(t, 0.8)
	sub := env.submit(t)
	id := env.review(t, sub)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/v1/tasks/" + id + "/adjudicate", `nope`, http.StatusBadRequest},
		{"empty request", "/api/v1/tasks/" + id + "/adjudicate", `{}`, http.StatusBadRequest},
		{"unknown decision", "/api/v1/tasks/" + id + "/adjudicate", `{"decision":"MAYBE"}`, http.StatusBadRequest},
		{"confidence out of range", "/api/v1/tasks/" + id + "/adjudicate", `{"confidence":2}`, http.StatusBadRequest},
		{"unknown task", "/api/v1/tasks/nope/adjudicate", `{"decision":"APPROVE"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetBudgetUsage(t *testing.T) {
	env := newTestEnv(t, 0.95)
	if err := env.budget.Authorize(context.Background(), "agent-7", decimal.RequireFromString("45")); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/budget/agent-7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var u budget.Usage
	if err := json.NewDecoder(rec.Body).Decode(&u); err != nil {
		t.Fatal(err)
	}
	if !u.DaySpent.Equal(decimal.NewFromInt(45)) || !u.DayRemaining.Equal(decimal.NewFromInt(5)) || !u.NearLimit {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestGetBudgetUsageProjected(t *testing.T) {
	env := newTestEnv(t, 0.95)
	if err := env.budget.Authorize(context.Background(), "agent-8", decimal.RequireFromString("30")); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/budget/agent-8?amount=12.50", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var u budget.Usage
	if err := json.NewDecoder(rec.Body).Decode(&u); err != nil {
		t.Fatal(err)
	}
	if !u.NearLimit || !u.Pending.Equal(decimal.RequireFromString("12.5")) || !u.DaySpent.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected projected usage %+v", u)
	}

	for _, q := range []string{"abc", "-1"} {
		if rec := env.do(t, http.MethodGet, "/api/v1/budget/agent-8?amount="+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("amount %q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestGetQueueDepth(t *testing.T) {
	env := newTestEnv(t, 0.95)
	env.submit(t)

	rec := env.do(t, http.MethodGet, "/api/v1/queue/depth", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var d workqueue.Depth
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Pending != 1 || d.InFlight != 0 {
		t.Fatalf("unexpected depth %+v", d)
	}
}

func TestVersionRoute(t *testing.T) {
	env := newTestEnv(t, 0.95)
	rec := env.do(t, http.MethodGet, "/api/v1/", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("version")) {
		t.Fatalf("unexpected version response %d %s", rec.Code, rec.Body.String())
	}
}
