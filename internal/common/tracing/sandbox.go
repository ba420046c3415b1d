package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sandboxTracerName = "projecttab-sandbox"

func sandboxTracer() trace.Tracer {
	return Tracer(sandboxTracerName)
}

// TraceSpawn creates a span for a sandbox spawn.
func TraceSpawn(ctx context.Context, agentID, workstream string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("workstream", workstream),
	)
	return ctx, span
}

// TraceRPC creates a span for one control plane to sandbox call.
func TraceRPC(ctx context.Context, agentID, endpoint string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox.rpc",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("endpoint", endpoint),
	)
	return ctx, span
}

// TraceResult records the outcome of a sandbox operation on its span.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
