package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/budget"
	"github.com/Strob0t/Chimera/internal/port/ledger"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
)

// BudgetService gates monetary spend per agent. Authorization fails closed:
// every error it returns wraps domain.ErrBudgetExceeded.
type BudgetService struct {
	ledger    ledger.Ledger
	limits    budget.Limits
	warnRatio float64
	events    eventBus
	metrics   *chotel.Metrics
	now       func() time.Time
}

// NewBudgetService creates a BudgetService. limits must match the limits the
// ledger enforces; they are used for the usage read model only.
func NewBudgetService(l ledger.Ledger, limits budget.Limits, warnRatio float64) *BudgetService {
	return &BudgetService{
		ledger:    l,
		limits:    limits,
		warnRatio: warnRatio,
		now:       time.Now,
	}
}

// SetEventBus enables budget.authorized and budget.denied events.
func (s *BudgetService) SetEventBus(q messagequeue.Queue) { s.events = eventBus{queue: q} }

// SetMetrics enables denial and spend counters.
func (s *BudgetService) SetMetrics(m *chotel.Metrics) { s.metrics = m }

// Authorize charges amount to the agent's current day and week windows or
// denies without charging anything.
func (s *BudgetService) Authorize(ctx context.Context, agentID string, amount decimal.Decimal) error {
	now := s.now().UTC()
	payload := messagequeue.BudgetEventPayload{
		AgentID: agentID,
		Amount:  amount.String(),
		DayKey:  budget.DayKey(now),
		WeekKey: budget.WeekKey(now),
	}

	err := s.ledger.Authorize(ctx, agentID, amount, now)
	if err != nil {
		if !errors.Is(err, domain.ErrBudgetExceeded) {
			err = fmt.Errorf("%w: %w", domain.ErrBudgetExceeded, err)
		}
		payload.Reason = err.Error()
		slog.WarnContext(ctx, "spend denied",
			"audit", true,
			"agent_id", agentID,
			"amount", payload.Amount,
			"day_key", payload.DayKey,
			"week_key", payload.WeekKey,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.RecordBudgetDenial(ctx, denialWindow(err))
		}
		if agentID != "" {
			s.events.publish(ctx, messagequeue.SubjectBudgetDenied, payload)
		}
		return err
	}

	slog.InfoContext(ctx, "spend authorized",
		"audit", true,
		"agent_id", agentID,
		"amount", payload.Amount,
		"day_key", payload.DayKey,
		"week_key", payload.WeekKey,
	)
	if s.metrics != nil {
		f, _ := amount.Float64()
		s.metrics.BudgetSpend.Add(ctx, f)
	}
	s.events.publish(ctx, messagequeue.SubjectBudgetAuth, payload)
	return nil
}

// Usage returns the agent's spend in the current windows with remaining
// headroom and a warning flag past the configured ratio of either limit.
func (s *BudgetService) Usage(ctx context.Context, agentID string) (budget.Usage, error) {
	return s.ProjectedUsage(ctx, agentID, decimal.Zero)
}

// ProjectedUsage is Usage with the warning flag computed as if pending were
// spent on top. Nothing is charged.
func (s *BudgetService) ProjectedUsage(ctx context.Context, agentID string, pending decimal.Decimal) (budget.Usage, error) {
	if agentID == "" {
		return budget.Usage{}, fmt.Errorf("%w: %w", domain.ErrValidation, budget.ErrAgentRequired)
	}
	if pending.IsNegative() {
		return budget.Usage{}, fmt.Errorf("%w: pending amount must be >= 0", domain.ErrValidation)
	}
	now := s.now().UTC()
	day, week, err := s.ledger.Spent(ctx, agentID, now)
	if err != nil {
		return budget.Usage{}, fmt.Errorf("budget usage %s: %w", agentID, err)
	}
	u := budget.NewUsage(agentID, now, day, week, pending, s.limits, s.warnRatio)
	if u.NearLimit {
		slog.WarnContext(ctx, "agent near budget limit",
			"agent_id", agentID, "day_spent", day.String(), "week_spent", week.String(), "pending", pending.String())
	}
	return u, nil
}

// Limits returns the configured limits.
func (s *BudgetService) Limits() budget.Limits { return s.limits }

func denialWindow(err error) string {
	switch {
	case errors.Is(err, budget.ErrDailyLimit):
		return "day"
	case errors.Is(err, budget.ErrWeeklyLimit):
		return "week"
	default:
		return "other"
	}
}
