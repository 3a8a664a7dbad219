// Package observe provides application-wide observability primitives for
// EchoNet: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all EchoNet metrics.
const meterName = "github.com/bbureau12/echonet"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CaptureDuration tracks RecordUntilSilence latency per worker cycle.
	CaptureDuration metric.Float64Histogram

	// TranscribeDuration tracks transcription latency.
	TranscribeDuration metric.Float64Histogram

	// WorkerCycleDuration tracks one full capture->transcribe->route cycle.
	WorkerCycleDuration metric.Float64Histogram

	// FanoutDuration tracks latency of a target /listen POST.
	FanoutDuration metric.Float64Histogram

	// --- Counters ---

	// RouteDecisions counts Router.Route outcomes. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("reason", ...)
	RouteDecisions metric.Int64Counter

	// FanoutOutcomes counts fan-out attempts by result kind. Use with
	// attributes: attribute.String("target", ...), attribute.String("kind", ...)
	FanoutOutcomes metric.Int64Counter

	// --- Error counters ---

	// WorkerErrors counts ASR worker iteration failures by mode.
	WorkerErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live router sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// the capture/transcribe/route pipeline, whose slowest stage (recording up
// to 30s in active mode) runs well past the sub-second buckets a typical web
// service would use.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("echonet.capture.duration",
		metric.WithDescription("Latency of RecordUntilSilence per worker cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("echonet.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WorkerCycleDuration, err = m.Float64Histogram("echonet.worker.cycle.duration",
		metric.WithDescription("End-to-end capture->transcribe->route cycle latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FanoutDuration, err = m.Float64Histogram("echonet.fanout.duration",
		metric.WithDescription("Latency of a target /listen POST, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RouteDecisions, err = m.Int64Counter("echonet.route.decisions",
		metric.WithDescription("Total Router.Route outcomes by mode and reason."),
	); err != nil {
		return nil, err
	}
	if met.FanoutOutcomes, err = m.Int64Counter("echonet.fanout.outcomes",
		metric.WithDescription("Total fan-out attempts by target and result kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.WorkerErrors, err = m.Int64Counter("echonet.worker.errors",
		metric.WithDescription("Total ASR worker iteration failures by mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echonet.active_sessions",
		metric.WithDescription("Number of live router sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echonet.http.request.duration",
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

// RecordRouteDecision is a convenience method that records a route decision
// counter increment with the standard attribute set.
func (m *Metrics) RecordRouteDecision(ctx context.Context, mode, reason string) {
	m.RouteDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("reason", reason),
		),
	)
}

// RecordFanoutOutcome is a convenience method that records a fan-out outcome
// counter increment with the standard attribute set.
func (m *Metrics) RecordFanoutOutcome(ctx context.Context, target, kind string) {
	m.FanoutOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("kind", kind),
		),
	)
}

// RecordWorkerError is a convenience method that records a worker iteration
// failure counter increment.
func (m *Metrics) RecordWorkerError(ctx context.Context, mode string) {
	m.WorkerErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}
