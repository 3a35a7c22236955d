// Package ledgertest provides a behavioural suite shared by ledger.Ledger adapters.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/budget"
	"github.com/Strob0t/Chimera/internal/port/ledger"
)

// Limits are the ceilings the ledger under test must be configured with.
var Limits = budget.Limits{
	Daily:  decimal.RequireFromString("50.00"),
	Weekly: decimal.RequireFromString("200.00"),
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// RunComplianceTests runs the shared suite against l, which must enforce Limits.
func RunComplianceTests(t *testing.T, l ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	// Monday of ISO week 2026-W42.
	monday := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

	t.Run("DailyCeilingExact", func(t *testing.T) {
		agent := uuid.NewString()
		if err := l.Authorize(ctx, agent, amt("50.00"), monday); err != nil {
			t.Fatalf("50.00 should fit the daily ceiling, got %v", err)
		}
		err := l.Authorize(ctx, agent, amt("0.01"), monday)
		if !errors.Is(err, domain.ErrBudgetExceeded) || !errors.Is(err, budget.ErrDailyLimit) {
			t.Fatalf("expected daily denial, got %v", err)
		}
		day, week, err := l.Spent(ctx, agent, monday)
		if err != nil {
			t.Fatal(err)
		}
		if !day.Equal(amt("50")) || !week.Equal(amt("50")) {
			t.Fatalf("denial must not mutate windows, got day %s week %s", day, week)
		}
	})

	t.Run("ConcurrentAuthorizeSingleSuccess", func(t *testing.T) {
		agent := uuid.NewString()
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.Authorize(ctx, agent, amt("50.00"), monday); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if successes != 1 {
			t.Fatalf("expected exactly one success, got %d", successes)
		}
	})

	t.Run("ManyConcurrentSmallSpendsNeverOvershoot", func(t *testing.T) {
		agent := uuid.NewString()
		var wg sync.WaitGroup
		for range 60 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = l.Authorize(ctx, agent, amt("1.01"), monday)
			}()
		}
		wg.Wait()
		day, _, err := l.Spent(ctx, agent, monday)
		if err != nil {
			t.Fatal(err)
		}
		if day.GreaterThan(Limits.Daily) {
			t.Fatalf("daily spend %s overshot the ceiling", day)
		}
		if !day.Equal(amt("1.01").Mul(decimal.NewFromInt(49))) {
			t.Fatalf("expected 49 spends of 1.01, got %s", day)
		}
	})

	t.Run("WeeklyCeiling", func(t *testing.T) {
		agent := uuid.NewString()
		for i := range 5 {
			day := monday.AddDate(0, 0, i)
			if err := l.Authorize(ctx, agent, amt("40.00"), day); err != nil {
				t.Fatalf("day %d: 40.00 should be authorized, got %v", i, err)
			}
		}
		saturday := monday.AddDate(0, 0, 5)
		err := l.Authorize(ctx, agent, amt("0.01"), saturday)
		if !errors.Is(err, budget.ErrWeeklyLimit) {
			t.Fatalf("expected weekly denial, got %v", err)
		}
		nextMonday := monday.AddDate(0, 0, 7)
		if err := l.Authorize(ctx, agent, amt("40.00"), nextMonday); err != nil {
			t.Fatalf("a new ISO week must reset the weekly window, got %v", err)
		}
	})

	t.Run("DayRollover", func(t *testing.T) {
		agent := uuid.NewString()
		_ = l.Authorize(ctx, agent, amt("50.00"), monday)
		if err := l.Authorize(ctx, agent, amt("50.00"), monday.Add(24*time.Hour)); err != nil {
			t.Fatalf("next day should start a new daily window, got %v", err)
		}
	})

	t.Run("RejectsNonPositiveAmount", func(t *testing.T) {
		agent := uuid.NewString()
		for _, a := range []string{"0", "-5"} {
			if err := l.Authorize(ctx, agent, amt(a), monday); !errors.Is(err, domain.ErrBudgetExceeded) {
				t.Fatalf("amount %s must be denied, got %v", a, err)
			}
		}
	})

	t.Run("FractionalCentsExact", func(t *testing.T) {
		agent := uuid.NewString()
		for range 10 {
			if err := l.Authorize(ctx, agent, amt("4.99999"), monday); err != nil {
				t.Fatal(err)
			}
		}
		if err := l.Authorize(ctx, agent, amt("0.0001"), monday); err != nil {
			t.Fatalf("49.9999 + 0.0001 equals the ceiling and must pass, got %v", err)
		}
		if err := l.Authorize(ctx, agent, amt("0.000001"), monday); !errors.Is(err, budget.ErrDailyLimit) {
			t.Fatalf("any amount above the ceiling must be denied, got %v", err)
		}
	})
}
