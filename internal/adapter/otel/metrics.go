package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/Chimera/internal/adapter/tiered"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

const meterName = "chimera"

// Metrics holds the kernel metric instruments.
type Metrics struct {
	meter metric.Meter

	GoalsSubmitted  metric.Int64Counter
	TasksFinalized  metric.Int64Counter
	TasksRequeued   metric.Int64Counter
	BudgetDenials   metric.Int64Counter
	BudgetSpend     metric.Float64Counter
	OracleDuration  metric.Float64Histogram
	TransferLatency metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates all metric instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.GoalsSubmitted, err = meter.Int64Counter("chimera.goals.submitted",
		metric.WithDescription("Number of goals submitted"))
	if err != nil {
		return nil, err
	}

	m.TasksFinalized, err = meter.Int64Counter("chimera.tasks.finalized",
		metric.WithDescription("Number of task results adjudicated, by decision"))
	if err != nil {
		return nil, err
	}

	m.TasksRequeued, err = meter.Int64Counter("chimera.tasks.requeued",
		metric.WithDescription("Number of tasks returned to the work queue, by reason"))
	if err != nil {
		return nil, err
	}

	m.BudgetDenials, err = meter.Int64Counter("chimera.budget.denials",
		metric.WithDescription("Number of spend authorizations denied, by window"))
	if err != nil {
		return nil, err
	}

	m.BudgetSpend, err = meter.Float64Counter("chimera.budget.spend",
		metric.WithDescription("Authorized spend"))
	if err != nil {
		return nil, err
	}

	m.OracleDuration, err = meter.Float64Histogram("chimera.oracle.duration_seconds",
		metric.WithDescription("Oracle call duration in seconds, by role"))
	if err != nil {
		return nil, err
	}

	m.TransferLatency, err = meter.Float64Histogram("chimera.wallet.transfer_seconds",
		metric.WithDescription("Wallet transfer duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordFinalized counts an adjudicated task result.
func (m *Metrics) RecordFinalized(ctx context.Context, decision string) {
	m.TasksFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordRequeued counts a task sent back to the queue.
func (m *Metrics) RecordRequeued(ctx context.Context, reason string) {
	m.TasksRequeued.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBudgetDenial counts a denied authorization. window is "day" or "week".
func (m *Metrics) RecordBudgetDenial(ctx context.Context, window string) {
	m.BudgetDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("window", window)))
}

// ObserveQueueDepth registers gauges reporting the work queue depth on every
// collection.
func (m *Metrics) ObserveQueueDepth(depth func(context.Context) (workqueue.Depth, error)) error {
	pending, err := m.meter.Int64ObservableGauge("chimera.queue.pending",
		metric.WithDescription("Tasks waiting in the work queue"))
	if err != nil {
		return err
	}
	inFlight, err := m.meter.Int64ObservableGauge("chimera.queue.in_flight",
		metric.WithDescription("Tasks claimed by a worker and not yet acknowledged"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		d, err := depth(ctx)
		if err != nil {
			return fmt.Errorf("observe queue depth: %w", err)
		}
		o.ObserveInt64(pending, int64(d.Pending))
		o.ObserveInt64(inFlight, int64(d.InFlight))
		return nil
	}, pending, inFlight)
	return err
}

// ObserveCache registers a counter of tiered cache lookups by outcome.
func (m *Metrics) ObserveCache(stats func() tiered.Stats) error {
	lookups, err := m.meter.Int64ObservableCounter("chimera.cache.lookups",
		metric.WithDescription("Cache lookups by the level that answered them"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(lookups, s.L1Hits, metric.WithAttributes(attribute.String("result", "l1_hit")))
		o.ObserveInt64(lookups, s.L2Hits, metric.WithAttributes(attribute.String("result", "l2_hit")))
		o.ObserveInt64(lookups, s.Misses, metric.WithAttributes(attribute.String("result", "miss")))
		return nil
	}, lookups)
	return err
}
