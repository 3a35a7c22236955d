// Package resilience provides reliability patterns for calls to the oracle,
// the wallet and other services outside the kernel.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the position of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker opens after maxFailures consecutive failures and rejects calls
// until timeout elapses. While half-open a single trial call is let through;
// its outcome closes or reopens the circuit.
type Breaker struct {
	name        string
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	probing     bool
	isFailure   func(error) bool
	onChange    func(name string, from, to State)
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		isFailure:   func(err error) bool { return err != nil },
		now:         time.Now,
	}
}

// Named sets the breaker name reported to the state change hook.
func (b *Breaker) Named(name string) *Breaker {
	b.name = name
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// CountIf sets the classifier deciding which errors count toward opening the
// circuit. Errors it rejects are returned to the caller untouched.
func (b *Breaker) CountIf(fn func(error) bool) *Breaker {
	b.isFailure = fn
	return b
}

// OnStateChange registers a hook invoked with the lock released after every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) *Breaker {
	b.onChange = fn
	return b
}

// State returns the current state, moving open to half-open when the timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit is closed or a half-open trial slot is free.
// Returns ErrCircuitOpen otherwise.
func (b *Breaker) Execute(fn func() error) error {
	from, to, ok := b.allowRequest()
	b.notify(from, to)
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	from = b.state
	b.probing = false
	if err != nil && b.isFailure(err) {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	to = b.state
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

func (b *Breaker) allowRequest() (from, to State, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from = b.state
	switch b.state {
	case StateClosed:
		return from, from, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return from, from, false
		}
		b.state = StateHalfOpen
		b.probing = true
		return from, b.state, true
	case StateHalfOpen:
		if b.probing {
			return from, from, false
		}
		b.probing = true
		return from, from, true
	}
	return from, from, false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = StateClosed
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
