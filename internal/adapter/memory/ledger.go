package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/budget"
)

type windowKey struct {
	agentID string
	kind    budget.PeriodKind
	period  string
}

// Ledger is an in-memory budget ledger. Each agent has its own lock so the
// check and both increments happen as one step per agent.
type Ledger struct {
	limits  budget.Limits
	mu      sync.Mutex
	agents  map[string]*sync.Mutex
	windows map[windowKey]decimal.Decimal
}

// NewLedger creates a ledger enforcing limits.
func NewLedger(limits budget.Limits) *Ledger {
	return &Ledger{
		limits:  limits,
		agents:  make(map[string]*sync.Mutex),
		windows: make(map[windowKey]decimal.Decimal),
	}
}

// Authorize applies amount to both windows or denies without mutation.
func (l *Ledger) Authorize(_ context.Context, agentID string, amount decimal.Decimal, now time.Time) error {
	if err := budget.ValidateSpend(agentID, amount); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBudgetExceeded, err)
	}
	day := windowKey{agentID, budget.PeriodDay, budget.DayKey(now)}
	week := windowKey{agentID, budget.PeriodWeek, budget.WeekKey(now)}

	lock := l.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	daySpent, weekSpent := l.windows[day], l.windows[week]
	l.mu.Unlock()

	if err := l.limits.Check(daySpent, weekSpent, amount); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBudgetExceeded, err)
	}

	l.mu.Lock()
	l.windows[day] = daySpent.Add(amount)
	l.windows[week] = weekSpent.Add(amount)
	l.mu.Unlock()
	return nil
}

// Spent returns the totals of the windows containing now.
func (l *Ledger) Spent(_ context.Context, agentID string, now time.Time) (day, week decimal.Decimal, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows[windowKey{agentID, budget.PeriodDay, budget.DayKey(now)}],
		l.windows[windowKey{agentID, budget.PeriodWeek, budget.WeekKey(now)}], nil
}

func (l *Ledger) agentLock(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.agents[agentID]
	if !ok {
		m = &sync.Mutex{}
		l.agents[agentID] = m
	}
	return m
}
