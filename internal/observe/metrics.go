// Package observe provides observability primitives for voxrelay:
// OpenTelemetry metrics, structured logging helpers, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/voxrelay/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn latency. Use with attribute:
	//   attribute.String("path", "fast"|"memory"|"fallback")
	TurnDuration metric.Float64Histogram

	// MemoryCallDuration tracks memory-service call latency. Use with attribute:
	//   attribute.String("op", "get_agent"|"ask"|"append"|"probe")
	MemoryCallDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("path", ...), attribute.String("status", "ok"|"fallback")
	Turns metric.Int64Counter

	// Fallbacks counts fallback replies by reason. Use with attribute:
	//   attribute.String("reason", ...)
	Fallbacks metric.Int64Counter

	// BreakerTransitions counts circuit-breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// SyncAppends counts background history sync attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"dropped")
	SyncAppends metric.Int64Counter

	// DispatchDecisions counts dispatch gate outcomes. Use with attribute:
	//   attribute.String("decision", ...)
	DispatchDecisions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live room sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voxrelay.turn.duration",
		metric.WithDescription("End-to-end turn latency by path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemoryCallDuration, err = m.Float64Histogram("voxrelay.memory.call.duration",
		metric.WithDescription("Memory-service call latency by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voxrelay.turns",
		metric.WithDescription("Total completed turns by path and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("voxrelay.fallbacks",
		metric.WithDescription("Total fallback replies by reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxrelay.breaker.transitions",
		metric.WithDescription("Circuit-breaker state transitions by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.SyncAppends, err = m.Int64Counter("voxrelay.sync.appends",
		metric.WithDescription("Background history sync attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.DispatchDecisions, err = m.Int64Counter("voxrelay.dispatch.decisions",
		metric.WithDescription("Dispatch gate outcomes by decision."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live room sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordTurn records a completed turn with its latency.
func (m *Metrics) RecordTurn(ctx context.Context, path, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("path", path)),
	)
}

// RecordMemoryCall records one memory-service call with its latency.
func (m *Metrics) RecordMemoryCall(ctx context.Context, op string, seconds float64) {
	m.MemoryCallDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordFallback records a fallback reply by reason.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}

// RecordSyncAppend records one background sync attempt outcome.
func (m *Metrics) RecordSyncAppend(ctx context.Context, status string) {
	m.SyncAppends.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDispatchDecision records one dispatch gate outcome.
func (m *Metrics) RecordDispatchDecision(ctx context.Context, decision string) {
	m.DispatchDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", decision)),
	)
}
