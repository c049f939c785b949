package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/agentline/internal/fault"
)

const tracerName = "github.com/MrWong99/agentline"

// Tracer returns the agentline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// RecordError marks span as failed with err and tags it with the fault kind
// when err carries one. Nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind := fault.KindOf(err); kind != "" {
		span.SetAttributes(attribute.String("error.kind", string(kind)))
	}
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// It doubles as the request correlation id in logs and response headers.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx
// attached. Without an active span it is [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionLogger is [Logger] with session_id attached.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ctx).With(slog.String("session_id", sessionID))
}
