package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Strob0t/Chimera/internal/adapter/tiered"
	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetricsWithMeter(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}
	return m, reader
}

func TestMetricsCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFinalized(ctx, "APPROVE")
	m.RecordFinalized(ctx, "APPROVE")
	m.RecordFinalized(ctx, "REJECT")
	m.RecordBudgetDenial(ctx, "day")

	got := collect(t, reader)
	sum, ok := got["chimera.tasks.finalized"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum for finalized, got %T", got["chimera.tasks.finalized"].Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 || len(sum.DataPoints) != 2 {
		t.Errorf("expected 3 finalized over 2 decisions, got %d over %d", total, len(sum.DataPoints))
	}
	if _, ok := got["chimera.budget.denials"]; !ok {
		t.Error("expected budget denials metric")
	}
}

func TestObserveQueueDepth(t *testing.T) {
	m, reader := newTestMetrics(t)
	err := m.ObserveQueueDepth(func(context.Context) (workqueue.Depth, error) {
		return workqueue.Depth{Pending: 7, InFlight: 2}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, reader)
	pending, ok := got["chimera.queue.pending"].Data.(metricdata.Gauge[int64])
	if !ok || len(pending.DataPoints) != 1 || pending.DataPoints[0].Value != 7 {
		t.Errorf("unexpected pending gauge %+v", got["chimera.queue.pending"].Data)
	}
	inFlight, ok := got["chimera.queue.in_flight"].Data.(metricdata.Gauge[int64])
	if !ok || len(inFlight.DataPoints) != 1 || inFlight.DataPoints[0].Value != 2 {
		t.Errorf("unexpected in-flight gauge %+v", got["chimera.queue.in_flight"].Data)
	}
}

func TestObserveCache(t *testing.T) {
	m, reader := newTestMetrics(t)
	if err := m.ObserveCache(func() tiered.Stats { return tiered.Stats{L1Hits: 5, L2Hits: 3, Misses: 1} }); err != nil {
		t.Fatal(err)
	}

	got := collect(t, reader)
	sum, ok := got["chimera.cache.lookups"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", got["chimera.cache.lookups"].Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 9 {
		t.Errorf("expected 9 lookups, got %d", total)
	}
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0, "ParentBased{root:AlwaysOffSampler"},
		{0.5, "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.rate).Description()
		if len(desc) < len(tt.want) || desc[:len(tt.want)] != tt.want {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.rate, desc, tt.want)
		}
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer(tracerName).Start(context.Background(), "task.execute")
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Errorf("unexpected status %+v", ended[0].Status())
	}
}

func TestHTTPMiddleware(t *testing.T) {
	var called bool
	h := HTTPMiddleware("chimera")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if !called || rec.Code != http.StatusTeapot {
		t.Errorf("expected wrapped handler to run, called=%v code=%d", called, rec.Code)
	}
}
