// Package budget defines rolling spend windows and limits for monetary actions.
package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PeriodKind identifies the length of a spend window.
type PeriodKind string

const (
	PeriodDay  PeriodKind = "DAY"
	PeriodWeek PeriodKind = "WEEK"
)

// DayKey returns the UTC calendar date of now, e.g. "2026-10-16".
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// WeekKey returns the ISO-8601 week of now in UTC, e.g. "2026-W42".
func WeekKey(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// Window is the accumulated spend of one agent within one period.
type Window struct {
	AgentID    string          `json:"agent_id"`
	PeriodKind PeriodKind      `json:"period_kind"`
	PeriodKey  string          `json:"period_key"`
	Spent      decimal.Decimal `json:"spent"`
}

// Limits bounds the spend of a single agent.
type Limits struct {
	Daily  decimal.Decimal `json:"daily"`
	Weekly decimal.Decimal `json:"weekly"`
}

// MaxScale is the number of fractional digits the ledger stores exactly.
const MaxScale = 6

var (
	ErrNonPositiveAmount = errors.New("amount must be > 0")
	ErrAmountPrecision   = errors.New("amount has more than 6 fractional digits")
	ErrAgentRequired     = errors.New("agent id is required")
	ErrDailyLimit        = errors.New("daily limit exceeded")
	ErrWeeklyLimit       = errors.New("weekly limit exceeded")
)

// ParseLimits parses decimal strings into Limits.
func ParseLimits(daily, weekly string) (Limits, error) {
	d, err := decimal.NewFromString(daily)
	if err != nil {
		return Limits{}, fmt.Errorf("daily limit %q: %w", daily, err)
	}
	w, err := decimal.NewFromString(weekly)
	if err != nil {
		return Limits{}, fmt.Errorf("weekly limit %q: %w", weekly, err)
	}
	if !d.IsPositive() || !w.IsPositive() {
		return Limits{}, errors.New("limits must be > 0")
	}
	return Limits{Daily: d, Weekly: w}, nil
}

// ValidateSpend checks the request shape before any window is touched.
func ValidateSpend(agentID string, amount decimal.Decimal) error {
	if agentID == "" {
		return ErrAgentRequired
	}
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !amount.Equal(amount.Truncate(MaxScale)) {
		return ErrAmountPrecision
	}
	return nil
}

// Check reports whether amount fits in both windows. A nil error means the
// spend may be applied; the returned error names the first window violated.
func (l Limits) Check(daySpent, weekSpent, amount decimal.Decimal) error {
	if daySpent.Add(amount).GreaterThan(l.Daily) {
		return ErrDailyLimit
	}
	if weekSpent.Add(amount).GreaterThan(l.Weekly) {
		return ErrWeeklyLimit
	}
	return nil
}

// Usage is a read model of an agent's spend. Pending is a prospective spend
// the warning is projected over; it is not charged.
type Usage struct {
	AgentID       string          `json:"agent_id"`
	DayKey        string          `json:"day_key"`
	WeekKey       string          `json:"week_key"`
	DaySpent      decimal.Decimal `json:"day_spent"`
	WeekSpent     decimal.Decimal `json:"week_spent"`
	DayRemaining  decimal.Decimal `json:"day_remaining"`
	WeekRemaining decimal.Decimal `json:"week_remaining"`
	Pending       decimal.Decimal `json:"pending"`
	NearLimit     bool            `json:"near_limit"`
}

// NewUsage computes remaining headroom and the near-limit flag. NearLimit is
// set when spent plus pending exceeds warnRatio of either limit.
func NewUsage(agentID string, now time.Time, daySpent, weekSpent, pending decimal.Decimal, l Limits, warnRatio float64) Usage {
	ratio := decimal.NewFromFloat(warnRatio)
	return Usage{
		AgentID:       agentID,
		DayKey:        DayKey(now),
		WeekKey:       WeekKey(now),
		DaySpent:      daySpent,
		WeekSpent:     weekSpent,
		DayRemaining:  decimal.Max(l.Daily.Sub(daySpent), decimal.Zero),
		WeekRemaining: decimal.Max(l.Weekly.Sub(weekSpent), decimal.Zero),
		Pending:       pending,
		NearLimit: daySpent.Add(pending).GreaterThan(l.Daily.Mul(ratio)) ||
			weekSpent.Add(pending).GreaterThan(l.Weekly.Mul(ratio)),
	}
}
