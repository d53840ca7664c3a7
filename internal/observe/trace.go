package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every pillbox span.
const tracerName = "github.com/MrWong99/pillbox"

// CorrelationHeader is set on every HTTP response to the trace id of the
// request, so a failed scan reported by a client can be found in the logs.
const CorrelationHeader = "X-Correlation-ID"

// Span attribute keys shared by the extraction and alarm spans.
const (
	AttrStatus    = attribute.Key("status")
	AttrAlarmID   = attribute.Key("alarm.id")
	AttrMedicine  = attribute.Key("medicine")
	AttrSlotLabel = attribute.Key("slot.label")
)

// Tracer returns the pillbox tracer from the global provider installed by
// [InitProvider]. Before that, spans are non-recording but still carry an
// incoming trace context.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. Callers finish it with span.End or
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan tags span with its final status and ends it. A span whose work
// did not succeed is marked as an error with status as the description.
func EndSpan(span trace.Span, status string, ok bool) {
	span.SetAttributes(AttrStatus.String(status))
	if !ok {
		span.SetStatus(codes.Error, status)
	}
	span.End()
}

// CorrelationID returns the hex trace id of the span in ctx, or "" when
// there is none.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span. Use it instead of slog.Default in request and alarm
// paths so log lines can be joined with traces.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
