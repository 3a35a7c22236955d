package nats

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Chimera/internal/logger"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
)

const testStream = "CHIMERA_TEST"

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, testStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a subject under "tasks." that the stream captures
// and that no other test publishes to.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return "tasks.test." + strings.ReplaceAll(t.Name(), "/", "_")
}

// dlqConsume subscribes to the dead-letter subject of subject with a raw
// consumer and returns a channel receiving the first message data.
func dlqConsume(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	ctx := context.Background()

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: dlqPrefix + subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}

	out := make(chan []byte, 1)
	var once sync.Once
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		once.Do(func() { out <- msg.Data() })
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	want := messagequeue.TaskEventPayload{TaskID: "t-1", GoalID: "g-1", Status: "DONE", Version: 3}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *messagequeue.TaskEventPayload
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got messagequeue.TaskEventPayload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		mu.Lock()
		received = &got
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("handler was not called")
	}
	if received.TaskID != want.TaskID || received.Version != want.Version {
		t.Errorf("got %+v, want %+v", *received, want)
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	const wantReqID = "req-abc-123"

	var (
		mu       sync.Mutex
		gotReqID string
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		mu.Lock()
		gotReqID = logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), wantReqID)
	if err := q.Publish(ctx, subject, []byte(`{"task_id":"t-req"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReqID != wantReqID {
		t.Errorf("request ID = %q, want %q", gotReqID, wantReqID)
	}
}

func TestQueue_DLQ_InvalidPayload(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)
	dlq := dlqConsume(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe main: %v", err)
	}
	defer stop()

	// Valid JSON without task_id fails the tasks.* schema.
	if err := q.Publish(context.Background(), subject, []byte(`{"status":"DONE"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != `{"status":"DONE"}` {
			t.Errorf("DLQ data = %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_DLQ_RetryExhaustion(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := uniqueSubject(t)
	dlq := dlqConsume(t, q, subject)

	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe main: %v", err)
	}
	defer stop()

	// An exhausted retry count sends the first failure straight to the DLQ.
	msg := &nats.Msg{Subject: subject, Data: []byte(`{"task_id":"exhausted"}`), Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != `{"task_id":"exhausted"}` {
			t.Errorf("DLQ data = %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+t.Name(), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}

	if _, err := kv.Put(ctx, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "hello" {
		t.Errorf("value = %q, want %q", entry.Value(), "hello")
	}

	if err := kv.Delete(ctx, "greeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "greeting"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name string
		hdrs nats.Header
		want int
	}{
		{"nil headers", nil, 0},
		{"missing", nats.Header{}, 0},
		{"set", nats.Header{headerRetryCount: []string{"2"}}, 2},
		{"garbage", nats.Header{headerRetryCount: []string{"two"}}, 0},
		{"negative", nats.Header{headerRetryCount: []string{"-4"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryCount(tt.hdrs); got != tt.want {
				t.Errorf("retryCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessageContextCarriesRequestID(t *testing.T) {
	hdrs := nats.Header{}
	hdrs.Set(headerRequestID, "req-9")
	ctx := messageContext(context.Background(), hdrs)
	if got := logger.RequestID(ctx); got != "req-9" {
		t.Errorf("request ID = %q, want req-9", got)
	}
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
