package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Chimera/internal/adapter/memory"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/plan"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
)

// fakeBus records published subjects.
type fakeBus struct {
	mu       sync.Mutex
	subjects []string
	payloads map[string][][]byte
	err      error
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payloads == nil {
		b.payloads = make(map[string][][]byte)
	}
	b.subjects = append(b.subjects, subject)
	b.payloads[subject] = append(b.payloads[subject], data)
	return b.err
}

func (b *fakeBus) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (b *fakeBus) Drain() error      { return nil }
func (b *fakeBus) Close() error      { return nil }
func (b *fakeBus) IsConnected() bool { return true }

func (b *fakeBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads[subject])
}

// fixedScorer returns a preset confidence, or err.
type fixedScorer struct {
	mu         sync.Mutex
	confidence float64
	err        error
	calls      int
}

func (s *fixedScorer) Score(context.Context, *task.Task, json.RawMessage) (float64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.confidence, "scored", s.err
}

func (s *fixedScorer) set(c float64) {
	s.mu.Lock()
	s.confidence = c
	s.mu.Unlock()
}

// fakePlanner returns a preset decomposition or error.
type fakePlanner struct {
	d   *plan.Decomposition
	err error
}

func (p *fakePlanner) Decompose(context.Context, *goal.Goal) (*plan.Decomposition, error) {
	if p.err != nil {
		return nil, p.err
	}
	d := *p.d
	d.Tasks = append([]plan.Draft(nil), p.d.Tasks...)
	if err := d.ValidateResult(); err != nil {
		return nil, err
	}
	return &d, nil
}

// kernel bundles an orchestrator over the in-memory adapters.
type kernel struct {
	store  *memory.Store
	queue  *memory.Queue
	hitl   *memory.HITLRegistry
	scorer *fixedScorer
	bus    *fakeBus
	judge  *Judge
	orch   *OrchestratorService
}

func newKernel(t *testing.T, planner Planner) *kernel {
	t.Helper()
	k := &kernel{
		store:  memory.NewStore(),
		queue:  memory.NewQueue(),
		hitl:   memory.NewHITLRegistry(),
		scorer: &fixedScorer{confidence: 0.95},
		bus:    &fakeBus{},
	}
	k.judge = NewJudge(k.store, k.hitl, k.scorer)
	k.judge.SetEventBus(k.bus)
	k.orch = NewOrchestratorService(k.store, k.queue, planner, k.judge)
	k.orch.SetEventBus(k.bus)
	seq := 0
	k.orch.newID = func() string {
		seq++
		return fmt.Sprintf("id-%02d", seq)
	}
	return k
}

// seedTask creates a task and moves it to status through valid transitions.
func (k *kernel) seedTask(t *testing.T, id string, status task.Status) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := &task.Task{ID: id, GoalID: "g", Type: task.TypeResearch}
	if err := k.store.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	path := map[task.Status][]task.Status{
		task.StatusQueued:     nil,
		task.StatusInProgress: {task.StatusInProgress},
		task.StatusReview:     {task.StatusInProgress, task.StatusReview},
		task.StatusDone:       {task.StatusInProgress, task.StatusDone},
		task.StatusError:      {task.StatusError},
	}[status]
	for _, s := range path {
		ok, err := k.store.CompareAndSwap(ctx, id, tk.Version, s, nil)
		if err != nil || !ok {
			t.Fatalf("seed %s -> %s: ok=%v err=%v", id, s, ok, err)
		}
		tk.Version++
		tk.Status = s
	}
	got, err := k.store.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func mustTask(t *testing.T, k *kernel, id string) *task.Task {
	t.Helper()
	got, err := k.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return got
}

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }
