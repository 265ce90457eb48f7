package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime's instruments. All record methods are safe
// on a nil receiver.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	WorkerDuration     metric.Float64Histogram
	ActiveWorkers      metric.Int64UpDownCounter
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	LLMCallDuration    metric.Float64Histogram
	Decisions          metric.Int64Counter
	DecisionModelCalls metric.Int64Counter
	SummaryFallbacks   metric.Int64Counter
	EventsPublished    metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	hist := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	m.RequestDuration = hist("overseer.request.duration", "Gateway request duration in seconds")
	m.WorkerDuration = hist("overseer.worker.duration", "Worker execution duration in seconds")
	m.ToolCallDuration = hist("overseer.tool.duration", "Tool call duration in seconds")
	m.LLMCallDuration = hist("overseer.llm.duration", "LLM API call duration in seconds")
	m.ToolCallErrors = counter("overseer.tool.errors", "Tool calls that returned an error")
	m.Decisions = counter("overseer.decision.count", "Supervisor poll decisions by source and outcome")
	m.DecisionModelCalls = counter("overseer.decision.model_calls", "Model-assisted decision attempts by result")
	m.SummaryFallbacks = counter("overseer.summary.fallbacks", "Summaries that fell back to truncation")
	m.EventsPublished = counter("overseer.events.published", "Events published on the stream")
	if err != nil {
		return nil, err
	}
	m.ActiveWorkers, err = meter.Int64UpDownCounter("overseer.worker.active",
		metric.WithDescription("Number of currently executing workers"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDecision implements decision.Recorder.
func (m *Metrics) RecordDecision(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source), AttrOutcome.String(outcome)))
}

// RecordDecisionCall implements decision.Recorder.
func (m *Metrics) RecordDecisionCall(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.DecisionModelCalls.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(ctx, 1)
}

// WorkerFinished records a completed worker.
func (m *Metrics) WorkerFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(ctx, -1)
	m.WorkerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStatus.String(status)))
}

// ToolCalled records one tool invocation.
func (m *Metrics) ToolCalled(ctx context.Context, tool string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}

// LLMCalled records one model call.
func (m *Metrics) LLMCalled(ctx context.Context, model string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrModel.String(model)))
}

// SummaryFellBack counts a truncation fallback.
func (m *Metrics) SummaryFellBack(ctx context.Context) {
	if m == nil {
		return
	}
	m.SummaryFallbacks.Add(ctx, 1)
}

// EventPublished counts an event by type.
func (m *Metrics) EventPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attrEventType.String(eventType)))
}

// RequestServed records a gateway request.
func (m *Metrics) RequestServed(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrRoute.String(route)))
}
