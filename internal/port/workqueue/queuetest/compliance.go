// Package queuetest provides a behavioural suite shared by workqueue.Queue adapters.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// RunComplianceTests runs the shared suite. newQueue must return an empty
// queue that no other test uses.
func RunComplianceTests(t *testing.T, newQueue func(t *testing.T) workqueue.Queue) {
	t.Helper()
	ctx := context.Background()
	short := 50 * time.Millisecond

	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
		for _, id := range ids {
			if err := q.Enqueue(ctx, id); err != nil {
				t.Fatal(err)
			}
		}
		for _, want := range ids {
			c, err := q.Dequeue(ctx, short)
			if err != nil {
				t.Fatal(err)
			}
			if c.TaskID != want {
				t.Fatalf("expected %s, got %s", want, c.TaskID)
			}
		}
	})

	t.Run("DequeueTimesOutWhenEmpty", func(t *testing.T) {
		q := newQueue(t)
		start := time.Now()
		_, err := q.Dequeue(ctx, short)
		if !errors.Is(err, workqueue.ErrEmpty) {
			t.Fatalf("expected ErrEmpty, got %v", err)
		}
		if time.Since(start) < short/2 {
			t.Fatal("dequeue returned before the timeout elapsed")
		}
	})

	t.Run("DequeueHonoursCancellation", func(t *testing.T) {
		q := newQueue(t)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := q.Dequeue(cctx, 10*time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("BlockedDequeueWakesOnEnqueue", func(t *testing.T) {
		q := newQueue(t)
		id := uuid.NewString()
		got := make(chan string, 1)
		go func() {
			c, err := q.Dequeue(ctx, 5*time.Second)
			if err != nil {
				got <- "error: " + err.Error()
				return
			}
			got <- c.TaskID
		}()
		time.Sleep(20 * time.Millisecond)
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatal(err)
		}
		select {
		case v := <-got:
			if v != id {
				t.Fatalf("expected %s, got %s", id, v)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("blocked dequeue was not woken by enqueue")
		}
	})

	t.Run("EnqueueIsIdempotent", func(t *testing.T) {
		q := newQueue(t)
		id := uuid.NewString()
		_ = q.Enqueue(ctx, id)
		_ = q.Enqueue(ctx, id)
		d, _ := q.Depth(ctx)
		if d.Pending != 1 {
			t.Fatalf("expected 1 pending, got %d", d.Pending)
		}
		if _, err := q.Dequeue(ctx, short); err != nil {
			t.Fatal(err)
		}
		_ = q.Enqueue(ctx, id)
		d, _ = q.Depth(ctx)
		if d.Pending != 0 || d.InFlight != 1 {
			t.Fatalf("enqueue of an in-flight id must be a no-op, got %+v", d)
		}
	})

	t.Run("RequeuePreservesDepthAndGoesToTail", func(t *testing.T) {
		q := newQueue(t)
		first, second := uuid.NewString(), uuid.NewString()
		_ = q.Enqueue(ctx, first)
		_ = q.Enqueue(ctx, second)
		c, _ := q.Dequeue(ctx, short)
		before, _ := q.Depth(ctx)

		if err := q.Requeue(ctx, c.TaskID); err != nil {
			t.Fatal(err)
		}
		after, _ := q.Depth(ctx)
		if before.Total() != after.Total() || after.InFlight != 0 {
			t.Fatalf("requeue changed depth: before %+v after %+v", before, after)
		}
		next, _ := q.Dequeue(ctx, short)
		if next.TaskID != second {
			t.Fatalf("requeued task should go to the tail, got %s first", next.TaskID)
		}
		last, _ := q.Dequeue(ctx, short)
		if last.TaskID != first || last.Attempts != 0 {
			t.Fatalf("expected %s with 0 attempts, got %+v", first, last)
		}
	})

	t.Run("AbandonCountsAttempts", func(t *testing.T) {
		q := newQueue(t)
		id := uuid.NewString()
		_ = q.Enqueue(ctx, id)
		for want := 0; want < 3; want++ {
			c, err := q.Dequeue(ctx, short)
			if err != nil {
				t.Fatal(err)
			}
			if c.Attempts != want {
				t.Fatalf("expected %d attempts, got %d", want, c.Attempts)
			}
			if err := q.Abandon(ctx, id); err != nil {
				t.Fatal(err)
			}
		}
	})

	t.Run("AcknowledgeClearsMarker", func(t *testing.T) {
		q := newQueue(t)
		id := uuid.NewString()
		_ = q.Enqueue(ctx, id)
		_, _ = q.Dequeue(ctx, short)
		if err := q.Acknowledge(ctx, id); err != nil {
			t.Fatal(err)
		}
		d, _ := q.Depth(ctx)
		if d.Total() != 0 {
			t.Fatalf("expected empty queue, got %+v", d)
		}
		if err := q.Acknowledge(ctx, id); !errors.Is(err, workqueue.ErrNotInFlight) {
			t.Fatalf("expected ErrNotInFlight, got %v", err)
		}
	})

	t.Run("InFlightEnumeratesClaims", func(t *testing.T) {
		q := newQueue(t)
		a, b := uuid.NewString(), uuid.NewString()
		_ = q.Enqueue(ctx, a)
		_ = q.Enqueue(ctx, b)
		_, _ = q.Dequeue(ctx, short)
		time.Sleep(5 * time.Millisecond)
		_, _ = q.Dequeue(ctx, short)

		claims, err := q.InFlight(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(claims) != 2 || claims[0].TaskID != a || claims[1].TaskID != b {
			t.Fatalf("unexpected claims: %+v", claims)
		}
		if claims[0].ClaimedAt.IsZero() {
			t.Fatal("claim time not recorded")
		}
	})

	t.Run("ConcurrentConsumersGetDistinctTasks", func(t *testing.T) {
		q := newQueue(t)
		const n = 20
		for range n {
			_ = q.Enqueue(ctx, uuid.NewString())
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					c, err := q.Dequeue(ctx, short)
					if err != nil {
						return
					}
					mu.Lock()
					seen[c.TaskID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(seen) != n {
			t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
		}
		for id, count := range seen {
			if count != 1 {
				t.Fatalf("task %s delivered %d times", id, count)
			}
		}
	})
}
