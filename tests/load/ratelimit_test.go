//go:build load

// Package load drives the kernel's front door with concurrent bursts. It is
// excluded from regular CI runs.
// Run with: go test -tags load -count=1 -timeout 120s ./tests/load/
package load

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	chhttp "github.com/Strob0t/Chimera/internal/adapter/http"
	"github.com/Strob0t/Chimera/internal/adapter/memory"
	"github.com/Strob0t/Chimera/internal/adapter/ristretto"
	"github.com/Strob0t/Chimera/internal/domain/budget"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/plan"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/middleware"
	"github.com/Strob0t/Chimera/internal/service"
)

// singleTaskPlanner turns every goal into one CONTENT task.
type singleTaskPlanner struct{}

func (singleTaskPlanner) Decompose(context.Context, *goal.Goal) (*plan.Decomposition, error) {
	return &plan.Decomposition{Tasks: []plan.Draft{{Ref: "post", Type: task.TypeContent}}}, nil
}

// reviewScorer parks every result for human review.
type reviewScorer struct{}

func (reviewScorer) Score(context.Context, *task.Task, json.RawMessage) (float64, string, error) {
	return 0.8, "needs a human", nil
}

type kernelFrontDoor struct {
	handler http.Handler
	orch    *service.OrchestratorService
	queue   *memory.Queue
	hitl    *service.HITLService
	limiter *middleware.RateLimiter
	idem    *ristretto.Cache
}

// newFrontDoor assembles the API the way serve does, on in-memory adapters.
func newFrontDoor(t *testing.T, rate float64, burst int) *kernelFrontDoor {
	t.Helper()
	store := memory.NewStore()
	queue := memory.NewQueue()
	registry := memory.NewHITLRegistry()
	limits := budget.Limits{Daily: decimal.NewFromInt(50), Weekly: decimal.NewFromInt(200)}

	judge := service.NewJudge(store, registry, reviewScorer{})
	orch := service.NewOrchestratorService(store, queue, singleTaskPlanner{}, judge)
	hitl := service.NewHITLService(registry, store)

	idem, err := ristretto.New(8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(idem.Close)

	rl := middleware.NewRateLimiter(rate, burst)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(rl.Handler)
	r.Use(middleware.Idempotency(idem, time.Minute))
	chhttp.MountRoutes(r, &chhttp.Handlers{
		Orchestrator: orch,
		HITL:         hitl,
		Budget:       service.NewBudgetService(memory.NewLedger(limits), limits, 0.8),
		Queue:        queue,
	})
	return &kernelFrontDoor{handler: r, orch: orch, queue: queue, hitl: hitl, limiter: rl, idem: idem}
}

func (f *kernelFrontDoor) post(agent, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderAgentID, agent)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// reviewTask submits a goal and drives its task into REVIEW.
func (f *kernelFrontDoor) reviewTask(t *testing.T, description string) string {
	t.Helper()
	ctx := context.Background()
	sub, err := f.orch.SubmitGoal(ctx, &goal.CreateRequest{Description: description, Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	id := sub.Tasks[0].ID
	if _, err := f.orch.StartTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got, err := f.orch.ProposeResult(ctx, id, json.RawMessage(`{"draft":"x"}`)); err != nil || got.Status != task.StatusReview {
		t.Fatalf("expected REVIEW, got %v %v", got, err)
	}
	return id
}

// TestGoalSubmissionBurstPerAgent fires concurrent POST /goals from several
// agents. Each agent gets its burst plus at most what refilled meanwhile, and
// only admitted requests reach the orchestrator.
func TestGoalSubmissionBurstPerAgent(t *testing.T) {
	const (
		rate     = 5.0
		burst    = 20
		agents   = 8
		perAgent = 60
	)
	f := newFrontDoor(t, rate, burst)

	admitted := make([]atomic.Int64, agents)
	var limited atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for a := range agents {
		agent := fmt.Sprintf("agent-%d", a)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perAgent / 4 {
					rec := f.post(agent, "/api/v1/goals", `{"description":"grow reach","priority":2}`, nil)
					switch rec.Code {
					case http.StatusCreated:
						admitted[a].Add(1)
					case http.StatusTooManyRequests:
						limited.Add(1)
						if rec.Header().Get("Retry-After") == "" {
							t.Error("429 without Retry-After")
						}
					default:
						t.Errorf("unexpected status %d: %s", rec.Code, rec.Body.String())
					}
				}
			}()
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	refill := int64(elapsed.Seconds()*rate) + 1
	var total int64
	for a := range agents {
		n := admitted[a].Load()
		if n < burst || n > burst+refill {
			t.Errorf("agent-%d admitted %d, want %d..%d", a, n, burst, burst+refill)
		}
		total += n
	}
	t.Logf("elapsed=%s admitted=%d limited=%d", elapsed, total, limited.Load())

	depth, err := f.queue.Depth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if int64(depth.Pending) != total {
		t.Fatalf("queued %d root tasks for %d admitted goals", depth.Pending, total)
	}
}

// TestAdjudicationStormSingleWinner races reviewers on the same tasks. Every
// task gets exactly one successful decision and leaves the review queue.
func TestAdjudicationStormSingleWinner(t *testing.T) {
	const (
		tasks     = 20
		reviewers = 16
	)
	f := newFrontDoor(t, 1000, 1000)

	ids := make([]string, tasks)
	for i := range ids {
		ids[i] = f.reviewTask(t, "post "+strconv.Itoa(i))
	}

	wins := make([]atomic.Int64, tasks)
	var lost atomic.Int64
	var wg sync.WaitGroup
	for i, id := range ids {
		for r := range reviewers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				decision := "APPROVE"
				if r%2 == 1 {
					decision = "REJECT"
				}
				body := fmt.Sprintf(`{"decision":%q,"reviewer":"r-%d"}`, decision, r)
				rec := f.post(fmt.Sprintf("reviewer-%d", r), "/api/v1/tasks/"+id+"/adjudicate", body, nil)
				switch rec.Code {
				case http.StatusOK:
					wins[i].Add(1)
				case http.StatusConflict, http.StatusBadRequest:
					lost.Add(1)
				default:
					t.Errorf("task %s: unexpected status %d: %s", id, rec.Code, rec.Body.String())
				}
			}()
		}
	}
	wg.Wait()

	for i := range ids {
		if n := wins[i].Load(); n != 1 {
			t.Errorf("task %s: %d successful adjudications, want 1", ids[i], n)
		}
	}
	if got := lost.Load(); got != tasks*(reviewers-1) {
		t.Errorf("expected %d rejected adjudications, got %d", tasks*(reviewers-1), got)
	}
	queue, err := f.hitl.Queue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Fatalf("review queue should be empty, has %d", len(queue))
	}
}

// TestIdempotentReplaysConsumeRateLimit replays one goal submission. Replays
// never create another goal, and they still spend the agent's tokens.
func TestIdempotentReplaysConsumeRateLimit(t *testing.T) {
	const burst = 10
	f := newFrontDoor(t, 0.001, burst)
	key := http.Header{"Idempotency-Key": []string{"goal-42"}}

	first := f.post("agent-idem", "/api/v1/goals", `{"description":"launch","priority":1}`, key)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	f.idem.Wait()

	var replayed, limited int
	for range burst + 5 {
		rec := f.post("agent-idem", "/api/v1/goals", `{"description":"launch","priority":1}`, key)
		switch {
		case rec.Code == http.StatusTooManyRequests:
			limited++
		case rec.Code == http.StatusCreated && rec.Header().Get("Idempotent-Replayed") == "true":
			if !bytes.Equal(rec.Body.Bytes(), first.Body.Bytes()) {
				t.Fatal("replay body differs from the original response")
			}
			replayed++
		default:
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	if replayed != burst-1 || limited != 6 {
		t.Fatalf("replayed=%d limited=%d, want %d and 6", replayed, limited, burst-1)
	}

	depth, err := f.queue.Depth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depth.Pending != 1 {
		t.Fatalf("expected one queued task, got %d", depth.Pending)
	}
}

// TestAgentChurnBucketsAreReclaimed polls the queue depth from many short
// lived agents and checks idle buckets are swept.
func TestAgentChurnBucketsAreReclaimed(t *testing.T) {
	const agents = 500
	f := newFrontDoor(t, 10, 10)

	var wg sync.WaitGroup
	for a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/depth", http.NoBody)
			req.Header.Set(middleware.HeaderAgentID, "churn-"+strconv.Itoa(a))
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("agent %d: status %d", a, rec.Code)
			}
		}()
	}
	wg.Wait()

	if n := f.limiter.Len(); n != agents {
		t.Fatalf("expected %d buckets, got %d", agents, n)
	}

	stop := f.limiter.StartCleanup(10*time.Millisecond, time.Millisecond)
	defer stop()
	deadline := time.Now().Add(2 * time.Second)
	for f.limiter.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d buckets left after cleanup", f.limiter.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
