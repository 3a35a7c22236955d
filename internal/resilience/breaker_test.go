package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	// Trip the breaker
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	// Still open
	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	// Advance past timeout
	now = now.Add(2 * time.Second)

	// Should be half-open: allows one call
	called := false
	err = b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error in half-open, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called in half-open")
	}

	// Success should close the circuit
	b.mu.Lock()
	if b.state != StateClosed {
		t.Fatalf("expected state closed after half-open success, got %d", b.state)
	}
	b.mu.Unlock()
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	// Trip the breaker
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	// Advance past timeout to reach half-open
	now = now.Add(2 * time.Second)

	// Fail in half-open → should reopen
	_ = b.Execute(func() error { return errTest })

	b.mu.Lock()
	if b.state != StateOpen {
		t.Fatalf("expected state open after half-open failure, got %d", b.state)
	}
	b.mu.Unlock()

	// Calls should be rejected
	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after reopen, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Second)

	// Two failures
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// One success resets
	_ = b.Execute(func() error { return nil })

	// Two more failures should not trip (only 2, need 3)
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// Still closed
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	_ = b.Execute(func() error { return errTest })
	now = now.Add(2 * time.Second)

	inner := errors.New("unset")
	err := b.Execute(func() error {
		inner = b.Execute(func() error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("trial call should run, got %v", err)
	}
	if !errors.Is(inner, ErrCircuitOpen) {
		t.Fatalf("concurrent call during trial should be rejected, got %v", inner)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after successful trial, got %s", got)
	}
}

func TestCountIfIgnoresClassifiedErrors(t *testing.T) {
	errCaller := errors.New("bad request")
	b := NewBreaker(1, time.Second).CountIf(func(err error) bool { return !errors.Is(err, errCaller) })

	if err := b.Execute(func() error { return errCaller }); !errors.Is(err, errCaller) {
		t.Fatalf("expected caller error passed through, got %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("caller errors must not trip the breaker, got %s", got)
	}
}

func TestOnStateChangeReportsTransitions(t *testing.T) {
	now := time.Now()
	var seen []string
	b := NewBreaker(1, time.Second).Named("oracle").OnStateChange(func(name string, from, to State) {
		seen = append(seen, name+":"+from.String()+"->"+to.String())
	})
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errTest })
	now = now.Add(2 * time.Second)
	_ = b.Execute(func() error { return nil })

	want := []string{"oracle:closed->open", "oracle:open->half_open", "oracle:half_open->closed"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}
