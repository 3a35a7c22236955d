// Package ledger defines the port for per-agent rolling spend accounting.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger owns the day and week spend windows of each agent.
type Ledger interface {
	// Authorize checks amount against both windows derived from now and, when
	// it fits, increments both in the same atomic step. A denial wraps
	// domain.ErrBudgetExceeded and leaves the windows untouched.
	Authorize(ctx context.Context, agentID string, amount decimal.Decimal, now time.Time) error

	// Spent returns the day and week totals for the windows containing now.
	Spent(ctx context.Context, agentID string, now time.Time) (day, week decimal.Decimal, err error)
}
