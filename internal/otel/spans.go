package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for skillforge spans.
var (
	AttrSessionID = attribute.Key("skillforge.session.id")
	AttrIteration = attribute.Key("skillforge.loop.iteration")
	AttrLoopState = attribute.Key("skillforge.loop.state")
	AttrSkillName = attribute.Key("skillforge.skill.name")
	AttrSkillKind = attribute.Key("skillforge.skill.kind")
	AttrChangeID  = attribute.Key("skillforge.guard.change_id")
	AttrLevel     = attribute.Key("skillforge.guard.level")
	AttrModel     = attribute.Key("skillforge.llm.model")
)

// tracer resolves against the global provider so instrumented packages need
// no tracer plumbing. Init installs the real provider; before that (and when
// telemetry is disabled) the global default is a no-op.
func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM backend).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
