package observe

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps every request in a server span, continuing any W3C trace
// context the caller sent. The trace id is echoed as X-Correlation-ID. After
// the handler returns, the span is renamed to the matched route pattern, the
// latency lands in [Metrics.HTTPRequestDuration] under that pattern, and one
// log line is written (warn for 5xx).
//
// The response writer is wrapped with httpsnoop so that [http.Hijacker]
// survives for WebSocket upgrades. Labelling by pattern keeps session ids out
// of metric attributes.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			snoop := httpsnoop.CaptureMetrics(next, w, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			} else {
				span.SetName(route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(snoop.Code))
			if snoop.Code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(snoop.Code))
			}
			m.HTTPRequestDuration.Record(ctx, snoop.Duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)

			level := slog.LevelInfo
			if snoop.Code >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", snoop.Code),
				slog.Duration("duration", snoop.Duration),
			)
		})
	}
}
