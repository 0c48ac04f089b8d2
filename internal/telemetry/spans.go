package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "fleet-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceTaskDispatch creates a span around one Agent Bridge delivery
// attempt.
func TraceTaskDispatch(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "bridge.dispatch", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceWorkflowStep creates a span around one workflow step's
// submission.
func TraceWorkflowStep(ctx context.Context, executionID, stepID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "workflow.step", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("step_id", stepID),
	)
	return ctx, span
}

// RecordOutcome finalizes a span with a success/failure status.
func RecordOutcome(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
