package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const turnTracerName = "parley-turns"

func turnTracer() trace.Tracer {
	return Tracer(turnTracerName)
}

// TraceTurn creates a span covering one full chat turn.
func TraceTurn(ctx context.Context, sessionID, responseID, provider string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "turn.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("response_id", responseID),
		attribute.String("provider", provider),
	)
	return ctx, span
}

// TraceStream creates a child span for one provider streaming pass.
func TraceStream(ctx context.Context, sessionID string, iteration int) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "turn.stream",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("iteration", iteration),
	)
	return ctx, span
}

// TraceToolCall creates a child span for a single tool invocation.
func TraceToolCall(ctx context.Context, sessionID, callID, toolName string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "turn.tool",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("call_id", callID),
		attribute.String("tool_name", toolName),
	)
	return ctx, span
}

// TraceHistoryLoad creates a span for resolving a session's prior events.
func TraceHistoryLoad(ctx context.Context, sessionID, provider string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "history.load",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("provider", provider),
	)
	return ctx, span
}

// RecordResult records the outcome of a traced operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
