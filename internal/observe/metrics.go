// Package observe provides application-wide observability primitives for
// the relay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler] on /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/centrum-dating/centrum"

// Frame directions.
const (
	DirClientToUpstream = "client_to_upstream"
	DirUpstreamToClient = "upstream_to_client"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks relays currently between accept and finalize.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsStarted counts sessions created through the REST surface.
	SessionsStarted metric.Int64Counter

	// SessionsFinalized counts finalized relays. Use with attribute:
	//   attribute.String("outcome", "clean"|"degraded")
	SessionsFinalized metric.Int64Counter

	// SessionDuration tracks wall time from relay accept to finalize.
	SessionDuration metric.Float64Histogram

	// --- Relay traffic ---

	// FramesRelayed counts frames moved between the sockets. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("kind", ...)
	FramesRelayed metric.Int64Counter

	// AudioBytes counts captured user audio bytes.
	AudioBytes metric.Int64Counter

	// UpstreamDialDuration tracks signed-URL resolution plus dial latency.
	UpstreamDialDuration metric.Float64Histogram

	// BreakerTransitions counts upstream circuit breaker state changes. Use
	// with attribute:
	//   attribute.String("to", "closed"|"open"|"half-open")
	BreakerTransitions metric.Int64Counter

	// --- Side effects ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ProfileUpserts counts external profile writes by status.
	ProfileUpserts metric.Int64Counter

	// FinalizeErrors counts failed finalizer steps. Use with attribute:
	//   attribute.String("step", ...)
	FinalizeErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversations from a few seconds to half an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("centrum.active_sessions",
		metric.WithDescription("Number of live relays."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("centrum.sessions.started",
		metric.WithDescription("Total sessions created."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinalized, err = m.Int64Counter("centrum.sessions.finalized",
		metric.WithDescription("Total finalized relays by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("centrum.session.duration",
		metric.WithDescription("Relay lifetime from accept to finalize."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesRelayed, err = m.Int64Counter("centrum.relay.frames",
		metric.WithDescription("Frames relayed by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("centrum.relay.audio_bytes",
		metric.WithDescription("Captured user audio bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDialDuration, err = m.Float64Histogram("centrum.upstream.dial.duration",
		metric.WithDescription("Latency of opening the upstream conversation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("centrum.upstream.breaker.transitions",
		metric.WithDescription("Upstream circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("centrum.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ProfileUpserts, err = m.Int64Counter("centrum.profile.upserts",
		metric.WithDescription("External profile upserts by status."),
	); err != nil {
		return nil, err
	}
	if met.FinalizeErrors, err = m.Int64Counter("centrum.finalize.errors",
		metric.WithDescription("Failed finalizer steps by step name."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("centrum.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrame counts one relayed frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction, kind string) {
	m.FramesRelayed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProfileUpsert counts one external profile write.
func (m *Metrics) RecordProfileUpsert(ctx context.Context, status string) {
	m.ProfileUpserts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFinalizeError counts one failed finalizer step.
func (m *Metrics) RecordFinalizeError(ctx context.Context, step string) {
	m.FinalizeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordBreakerTransition counts one upstream breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// SessionOpened marks a relay as live.
func (m *Metrics) SessionOpened(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed marks a relay as finalized and records its lifetime.
func (m *Metrics) SessionClosed(ctx context.Context, outcome string, lifetime time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.SessionDuration.Record(ctx, lifetime.Seconds())
}
