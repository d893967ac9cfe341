package telemetry

import (
	"context"

	"github.com/mtzanidakis/synodos/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "synodos"

func traceAttrs(tr tracing.Trace) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("synodos.trace_id", tr.TraceID),
		attribute.String("synodos.task_id", tr.TaskID),
		attribute.Int("synodos.depth", tr.Depth),
	}
}

// StartInvokeSpan starts a span for one agent invocation.
func StartInvokeSpan(ctx context.Context, agentID string, tr tracing.Trace) (context.Context, trace.Span) {
	attrs := append(traceAttrs(tr), attribute.String("agent.id", agentID))
	return otel.Tracer(tracerName).Start(ctx, "agent.invoke", trace.WithAttributes(attrs...))
}

// StartGraphSpan starts a span for a task graph execution.
func StartGraphSpan(ctx context.Context, tr tracing.Trace, mode, policy string, steps int) (context.Context, trace.Span) {
	attrs := append(traceAttrs(tr),
		attribute.String("graph.mode", mode),
		attribute.String("graph.policy", policy),
		attribute.Int("graph.steps", steps),
	)
	return otel.Tracer(tracerName).Start(ctx, "graph.execute", trace.WithAttributes(attrs...))
}

// StartDelegateSpan starts a span for a fan-out delegation.
func StartDelegateSpan(ctx context.Context, tr tracing.Trace, strategy string, targets int) (context.Context, trace.Span) {
	attrs := append(traceAttrs(tr),
		attribute.String("delegate.strategy", strategy),
		attribute.Int("delegate.targets", targets),
	)
	return otel.Tracer(tracerName).Start(ctx, "orchestration.delegate", trace.WithAttributes(attrs...))
}

// StartHandoffSpan starts a span for a handoff operation such as initiate
// or return.
func StartHandoffSpan(ctx context.Context, op, threadID, handoffID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "handoff."+op,
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("handoff.id", handoffID),
		),
	)
}

// StartRouteSpan starts a span for routing one inbound message.
func StartRouteSpan(ctx context.Context, threadID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "router.route",
		trace.WithAttributes(attribute.String("thread.id", threadID)),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
