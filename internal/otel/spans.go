package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrRunID    = attribute.Key("overseer.run.id")
	AttrThreadID = attribute.Key("overseer.thread.id")
	AttrWorkerID = attribute.Key("overseer.worker.id")
	AttrOwnerID  = attribute.Key("overseer.owner.id")
	AttrToolName = attribute.Key("overseer.tool.name")
	AttrModel    = attribute.Key("overseer.llm.model")
	AttrStatus   = attribute.Key("overseer.status")
	AttrOutcome  = attribute.Key("overseer.decision.outcome")
	AttrSource   = attribute.Key("overseer.decision.source")
	AttrResult   = attribute.Key("overseer.result")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM, SSH).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

var (
	attrEventType = attribute.Key("overseer.event.type")
	attrRoute     = attribute.Key("overseer.http.route")
)
