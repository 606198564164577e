// Package observe provides application-wide observability primitives for
// tabscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all tabscribe metrics.
const meterName = "tabscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkTurnaround tracks the time spent submitting a chunk to the engine,
	// backpressure wait included. Use with attribute.String("mode",
	// "live"|"generation").
	ChunkTurnaround metric.Float64Histogram

	// PatternLearnDuration tracks pattern-learning round-trip latency.
	PatternLearnDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksSent counts chunks submitted to the engine. Use with attribute:
	//   attribute.String("mode", "live"|"generation")
	ChunksSent metric.Int64Counter

	// ResultsReceived counts engine results. Use with attribute:
	//   attribute.String("kind", "interim"|"final"|"batch")
	ResultsReceived metric.Int64Counter

	// DroppedResults counts results discarded after a session disconnected
	// or because they arrived out of date.
	DroppedResults metric.Int64Counter

	// --- Error counters ---

	// EngineErrors counts engine-reported failures. Use with attribute:
	//   attribute.String("scope", "chunk"|"session")
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks running engine sessions. Use with attribute:
	//   attribute.String("mode", "live"|"generation")
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks open gateway websocket connections.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech-engine turnaround times.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkTurnaround, err = m.Float64Histogram("tabscribe.chunk.turnaround",
		metric.WithDescription("Time spent submitting a chunk, backpressure wait included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PatternLearnDuration, err = m.Float64Histogram("tabscribe.pattern.learn.duration",
		metric.WithDescription("Pattern-learning round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksSent, err = m.Int64Counter("tabscribe.chunks.sent",
		metric.WithDescription("Total chunks submitted to the engine by mode."),
	); err != nil {
		return nil, err
	}
	if met.ResultsReceived, err = m.Int64Counter("tabscribe.results.received",
		metric.WithDescription("Total engine results by kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedResults, err = m.Int64Counter("tabscribe.results.dropped",
		metric.WithDescription("Results discarded after disconnect or as out of date."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EngineErrors, err = m.Int64Counter("tabscribe.engine.errors",
		metric.WithDescription("Engine-reported failures by scope."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tabscribe.active_sessions",
		metric.WithDescription("Number of running engine sessions by mode."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("tabscribe.connected_clients",
		metric.WithDescription("Number of open gateway websocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tabscribe.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunkSent records one submitted chunk for the given mode.
func (m *Metrics) RecordChunkSent(ctx context.Context, mode string) {
	m.ChunksSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordResult records one received engine result of the given kind.
func (m *Metrics) RecordResult(ctx context.Context, kind string) {
	m.ResultsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEngineError records one engine-reported failure.
func (m *Metrics) RecordEngineError(ctx context.Context, scope string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scope", scope)),
	)
}
