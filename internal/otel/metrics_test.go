package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.WorkerStarted(ctx)
	m.WorkerFinished(ctx, "success", time.Second)
	m.ToolCalled(ctx, "shell_exec", time.Millisecond, true)
	m.SummaryFellBack(ctx)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordDecision(ctx, "rules", "wait")
	m.RecordDecisionCall(ctx, "timed_out")
	m.EventPublished(ctx, "worker_started")
	m.RequestServed(ctx, "/healthz", time.Millisecond)
	m.LLMCalled(ctx, "fast", time.Millisecond)
}

func TestMetrics_DecisionCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordDecision(ctx, "rules", "wait")
	m.RecordDecision(ctx, "model", "cancel")
	m.RecordDecisionCall(ctx, "succeeded")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	if totals["overseer.decision.count"] != 2 {
		t.Fatalf("decision count = %d, want 2", totals["overseer.decision.count"])
	}
	if totals["overseer.decision.model_calls"] != 1 {
		t.Fatalf("model calls = %d, want 1", totals["overseer.decision.model_calls"])
	}
}
