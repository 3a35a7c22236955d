package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/budget"
)

// Ledger implements ledger.Ledger on the budget_windows table. Both windows of
// an agent are locked with SELECT ... FOR UPDATE, DAY before WEEK, so
// concurrent authorizations for the same agent serialize without deadlocking.
type Ledger struct {
	pool   *pgxpool.Pool
	limits budget.Limits
}

// NewLedger creates a ledger enforcing limits.
func NewLedger(pool *pgxpool.Pool, limits budget.Limits) *Ledger {
	return &Ledger{pool: pool, limits: limits}
}

// Authorize fails closed: any storage error is reported as a denial.
func (l *Ledger) Authorize(ctx context.Context, agentID string, amount decimal.Decimal, now time.Time) error {
	if err := budget.ValidateSpend(agentID, amount); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBudgetExceeded, err)
	}
	dayKey, weekKey := budget.DayKey(now), budget.WeekKey(now)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrBudgetExceeded, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_windows (agent_id, period_kind, period_key)
		 VALUES ($1, 'DAY', $2), ($1, 'WEEK', $3)
		 ON CONFLICT (agent_id, period_kind, period_key) DO NOTHING`,
		agentID, dayKey, weekKey); err != nil {
		return fmt.Errorf("%w: open windows: %w", domain.ErrBudgetExceeded, err)
	}

	daySpent, weekSpent, err := lockWindows(ctx, tx, agentID, dayKey, weekKey)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBudgetExceeded, err)
	}

	if err := l.limits.Check(daySpent, weekSpent, amount); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBudgetExceeded, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE budget_windows SET spent = spent + $4::numeric, updated_at = now()
		 WHERE agent_id = $1 AND ((period_kind = 'DAY' AND period_key = $2) OR (period_kind = 'WEEK' AND period_key = $3))`,
		agentID, dayKey, weekKey, amount.String())
	if err != nil {
		return fmt.Errorf("%w: apply spend: %w", domain.ErrBudgetExceeded, err)
	}
	if tag.RowsAffected() != 2 {
		return fmt.Errorf("%w: expected 2 windows updated, got %d", domain.ErrBudgetExceeded, tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrBudgetExceeded, err)
	}
	return nil
}

func lockWindows(ctx context.Context, tx pgx.Tx, agentID, dayKey, weekKey string) (day, week decimal.Decimal, err error) {
	rows, err := tx.Query(ctx,
		`SELECT period_kind, spent::text FROM budget_windows
		 WHERE agent_id = $1 AND ((period_kind = 'DAY' AND period_key = $2) OR (period_kind = 'WEEK' AND period_key = $3))
		 ORDER BY period_kind
		 FOR UPDATE`,
		agentID, dayKey, weekKey)
	if err != nil {
		return day, week, fmt.Errorf("lock windows: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var kind, spent string
		if err := rows.Scan(&kind, &spent); err != nil {
			return day, week, fmt.Errorf("scan window: %w", err)
		}
		v, err := parseNumeric(spent)
		if err != nil {
			return day, week, err
		}
		switch budget.PeriodKind(kind) {
		case budget.PeriodDay:
			day = v
		case budget.PeriodWeek:
			week = v
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return day, week, fmt.Errorf("lock windows: %w", err)
	}
	if found != 2 {
		return day, week, errors.New("lock windows: window rows missing")
	}
	return day, week, nil
}

func (l *Ledger) Spent(ctx context.Context, agentID string, now time.Time) (day, week decimal.Decimal, err error) {
	rows, err := l.pool.Query(ctx,
		`SELECT period_kind, spent::text FROM budget_windows
		 WHERE agent_id = $1 AND ((period_kind = 'DAY' AND period_key = $2) OR (period_kind = 'WEEK' AND period_key = $3))`,
		agentID, budget.DayKey(now), budget.WeekKey(now))
	if err != nil {
		return day, week, fmt.Errorf("spent %s: %w", agentID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, spent string
		if err := rows.Scan(&kind, &spent); err != nil {
			return day, week, fmt.Errorf("scan window: %w", err)
		}
		v, err := parseNumeric(spent)
		if err != nil {
			return day, week, err
		}
		if budget.PeriodKind(kind) == budget.PeriodDay {
			day = v
		} else {
			week = v
		}
	}
	return day, week, rows.Err()
}
