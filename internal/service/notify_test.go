package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
	"github.com/Strob0t/Chimera/internal/port/notifier"
)

// loopBus delivers published events to exact-subject subscribers inline.
type loopBus struct {
	fakeBus
	mu       sync.Mutex
	handlers map[string][]messagequeue.Handler
}

func (b *loopBus) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]messagequeue.Handler)
	}
	b.handlers[subject] = append(b.handlers[subject], h)
	return func() {}, nil
}

func (b *loopBus) Publish(ctx context.Context, subject string, data []byte) error {
	_ = b.fakeBus.Publish(ctx, subject, data)
	b.mu.Lock()
	hs := b.handlers[subject]
	b.mu.Unlock()
	for _, h := range hs {
		_ = h(ctx, subject, data)
	}
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
	err  error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Send(_ context.Context, msg notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Title
	}
	return out
}

func TestRenderNotification(t *testing.T) {
	tests := []struct {
		subject string
		payload any
		ok      bool
		title   string
		level   notifier.Level
	}{
		{messagequeue.SubjectHITLAdded, messagequeue.HITLEventPayload{TaskID: "t1", GoalID: "g1"}, true, "Review needed", notifier.LevelWarning},
		{messagequeue.SubjectBudgetDenied, messagequeue.BudgetEventPayload{AgentID: "a", Amount: "0.01", Reason: "daily limit exceeded"}, true, "Spend denied", notifier.LevelError},
		{messagequeue.SubjectGoalStatus, messagequeue.GoalEventPayload{GoalID: "g1", Status: "FAILED", Error: "decomposition failed"}, true, "Goal failed", notifier.LevelError},
		{messagequeue.SubjectGoalStatus, messagequeue.GoalEventPayload{GoalID: "g1", Status: "COMPLETED"}, false, "", ""},
		{messagequeue.SubjectTaskStatus, messagequeue.TaskEventPayload{TaskID: "t1"}, false, "", ""},
	}
	for _, tt := range tests {
		data, _ := json.Marshal(tt.payload)
		n, ok, err := renderNotification(tt.subject, data)
		if err != nil {
			t.Fatalf("%s: %v", tt.subject, err)
		}
		if ok != tt.ok || n.Title != tt.title || n.Level != tt.level {
			t.Errorf("%s: got ok=%v %+v", tt.subject, ok, n)
		}
		if ok && n.Source != tt.subject {
			t.Errorf("%s: source %q", tt.subject, n.Source)
		}
	}

	if _, _, err := renderNotification(messagequeue.SubjectHITLAdded, []byte(`[`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestNotificationsFollowKernelEvents(t *testing.T) {
	wire := func(k *kernel) *recordingNotifier {
		bus := &loopBus{}
		k.orch.SetEventBus(bus)
		k.judge.SetEventBus(bus)
		rec := &recordingNotifier{}
		if _, err := NewNotificationService(bus, rec).Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		return rec
	}

	k := newKernel(t, drafts(draft("a", task.TypeResearch)))
	rec := wire(k)
	k.scorer.set(0.8)
	id := submit(t, k).Tasks[0].ID
	if got := complete(t, k, id); got.Status != task.StatusReview {
		t.Fatalf("expected REVIEW, got %s", got.Status)
	}
	if titles := rec.titles(); len(titles) != 1 || titles[0] != "Review needed" {
		t.Fatalf("expected one review notification, got %v", titles)
	}
	if !strings.Contains(rec.sent[0].Message, id) {
		t.Errorf("message does not name the task: %q", rec.sent[0].Message)
	}

	failed := newKernel(t, &fakePlanner{err: errors.New("connection refused")})
	rec = wire(failed)
	submit(t, failed)
	if titles := rec.titles(); len(titles) != 1 || titles[0] != "Goal failed" {
		t.Fatalf("expected one goal failure notification, got %v", titles)
	}
}

func TestNotificationSendFailureIsReturned(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("webhook down")}
	s := NewNotificationService(&fakeBus{}, rec)
	data, _ := json.Marshal(messagequeue.HITLEventPayload{TaskID: "t1"})
	if err := s.Handle(context.Background(), messagequeue.SubjectHITLAdded, data); err == nil {
		t.Fatal("expected send error so the event is redelivered")
	}
}
