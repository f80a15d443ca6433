package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for daemon spans.
var (
	AttrAgentID  = attribute.Key("agentfs.agent.id")
	AttrTaskID   = attribute.Key("agentfs.task.id")
	AttrDomain   = attribute.Key("agentfs.domain")
	AttrProject  = attribute.Key("agentfs.project")
	AttrPriority = attribute.Key("agentfs.task.priority")
	AttrAction   = attribute.Key("agentfs.action")
	AttrSchedule = attribute.Key("agentfs.schedule.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
