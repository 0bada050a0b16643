package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the dealdesk tracer.
const tracerName = "github.com/MrWong99/dealdesk"

// Span names and attribute keys of the copilot request path.
const (
	SpanRound = "orchestrator.round"

	AttrRound      = attribute.Key("round")
	AttrMessages   = attribute.Key("messages")
	AttrToolUses   = attribute.Key("tool_uses")
	AttrStopReason = attribute.Key("stop_reason")
	AttrDuration   = attribute.Key("duration_s")
	AttrTool       = attribute.Key("tool")
	AttrToolUseID  = attribute.Key("tool_use_id")

	// EventToolUse is added to a round span for every tool use the model
	// completed in that round.
	EventToolUse = "tool_use"
)

// Tracer returns the dealdesk tracer from the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartToolSpan starts the span around one execution of the named tool. Its
// name is "tool <name>".
func StartToolSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tool "+tool, trace.WithAttributes(AttrTool.String(tool)))
}

// StartRoundSpan starts the span around model round n of an orchestration
// whose history currently holds messages entries.
func StartRoundSpan(ctx context.Context, n, messages int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanRound, trace.WithAttributes(
		AttrRound.Int(n),
		AttrMessages.Int(messages),
	))
}

// EndRound records the outcome of a successful round on span. It does not end
// the span.
func EndRound(span trace.Span, toolUses int, stopReason string, elapsed time.Duration) {
	span.SetAttributes(
		AttrToolUses.Int(toolUses),
		AttrStopReason.String(stopReason),
		AttrDuration.Float64(elapsed.Seconds()),
	)
}

// ToolUseEvent adds an [EventToolUse] event to span.
func ToolUseEvent(span trace.Span, id, tool string) {
	span.AddEvent(EventToolUse, trace.WithAttributes(
		AttrToolUseID.String(id),
		AttrTool.String(tool),
	))
}

// FailSpan marks span as failed with err.
func FailSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default() enriched with correlation_id and span_id from
// the span in ctx. Without a span it is slog.Default() unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("correlation_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
