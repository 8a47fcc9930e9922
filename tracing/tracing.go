// Package tracing starts OpenTelemetry spans for runs, agent turns and tool
// calls. Spans go to the global tracer provider, a no-op unless the process
// installs one.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies conductor spans
const TracerName = "github.com/teranos/conductor"

func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartRunSpan starts the span covering one dispatched execution
func StartRunSpan(ctx context.Context, executionID, agentID string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("agent.id", agentID),
			attribute.Int("execution.attempt", attempt),
		),
	)
}

// StartTurnSpan starts the span covering one agent turn (controller,
// specialist or checker)
func StartTurnSpan(ctx context.Context, role, agentID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent."+role,
		trace.WithAttributes(attribute.String("agent.id", agentID)),
	)
}

// StartToolSpan starts the span covering one tool invocation
func StartToolSpan(ctx context.Context, toolName, threadID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("thread.id", threadID),
		),
	)
}

// End records err on span (when non-nil) and ends it
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
