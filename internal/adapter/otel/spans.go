package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ticketpilot"

// StartRunSpan starts a span covering one workflow run.
func StartRunSpan(ctx context.Context, runID string, taskID int64, reactivation bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int64("task.id", taskID),
			attribute.Bool("run.reactivation", reactivation),
		),
	)
}

// StartStepSpan starts a span for a single node execution within a run.
func StartStepSpan(ctx context.Context, runID, node string, stepOrder int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.node", node),
			attribute.Int("step.order", stepOrder),
		),
	)
}

// StartIntakeSpan starts a span for one webhook delivery.
func StartIntakeSpan(ctx context.Context, eventID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "webhook.intake",
		trace.WithAttributes(attribute.String("event.id", eventID)),
	)
}
