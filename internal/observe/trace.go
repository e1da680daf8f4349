package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/centrum-dating/centrum"

// Tracer returns the relay tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartSpan starts a span on [Tracer]. End it with span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the hex trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a span. A relay logs through this for its whole lifetime, so
// its lines join the upgrade request's trace.
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

// WithSession tags l with session_id.
func WithSession(l *slog.Logger, sessionID string) *slog.Logger {
	return l.With(slog.String("session_id", sessionID))
}
