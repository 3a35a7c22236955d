package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chimera"

// StartGoalSpan starts a span for goal submission and decomposition.
func StartGoalSpan(ctx context.Context, goalID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "goal.submit",
		trace.WithAttributes(attribute.String("goal.id", goalID)),
	)
}

// StartTaskSpan starts a span for one worker execution of a task.
func StartTaskSpan(ctx context.Context, taskID, taskType string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.type", taskType),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartOracleSpan starts a span for a call to the reasoning model.
func StartOracleSpan(ctx context.Context, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "oracle.reason",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oracle.role", role)),
	)
}

// StartTransferSpan starts a span for a budget-authorized wallet transfer.
func StartTransferSpan(ctx context.Context, agentID, amount, asset string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "wallet.transfer",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("transfer.amount", amount),
			attribute.String("transfer.asset", asset),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
