// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BackendDuration tracks backend HTTP call latency. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	BackendDuration metric.Float64Histogram

	// ConnectDuration tracks the time from start to live.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks the elapsed time of ended sessions.
	SessionDuration metric.Float64Histogram

	// --- Uplink counters ---

	// FramesSent counts audio frames sent to the remote agent.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that were not sent. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Downlink counters ---

	// AudioDeltas counts scheduled remote audio chunks.
	AudioDeltas metric.Int64Counter

	// PlaybackUnderruns counts deltas that arrived after the previous chunk
	// finished playing within the same utterance.
	PlaybackUnderruns metric.Int64Counter

	// TranscriptEntries counts appended transcript entries. Use with attribute:
	//   attribute.String("speaker", ...)
	TranscriptEntries metric.Int64Counter

	// ProtocolErrors counts inbound events that could not be handled. Use
	// with attribute:
	//   attribute.String("kind", ...)
	ProtocolErrors metric.Int64Counter

	// --- Recording ---

	// RecordingBytes counts encoded recording bytes collected.
	RecordingBytes metric.Int64Counter

	// RecordingUploads counts upload attempts. Use with attribute:
	//   attribute.String("status", ...)
	RecordingUploads metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversations from a few seconds up to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BackendDuration, err = m.Float64Histogram("parley.backend.duration",
		metric.WithDescription("Latency of backend HTTP calls by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Time from session start until the connection is live."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("parley.session.duration",
		metric.WithDescription("Elapsed time of ended sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("parley.uplink.frames_sent",
		metric.WithDescription("Total audio frames sent to the remote agent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parley.uplink.frames_dropped",
		metric.WithDescription("Total audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioDeltas, err = m.Int64Counter("parley.playback.deltas",
		metric.WithDescription("Total remote audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("parley.playback.underruns",
		metric.WithDescription("Total audio chunks that arrived after the playback cursor."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("parley.transcript.entries",
		metric.WithDescription("Total transcript entries by speaker."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("parley.protocol.errors",
		metric.WithDescription("Total inbound events that could not be handled, by kind."),
	); err != nil {
		return nil, err
	}
	if met.RecordingBytes, err = m.Int64Counter("parley.recording.bytes",
		metric.WithDescription("Total encoded recording bytes collected."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RecordingUploads, err = m.Int64Counter("parley.recording.uploads",
		metric.WithDescription("Total recording upload attempts by status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("parley.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordBackendCall records the latency of one backend call.
func (m *Metrics) RecordBackendCall(ctx context.Context, op, status string, d time.Duration) {
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDropped records one dropped uplink frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptEntry records one appended transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, speaker string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordProtocolError records one inbound event that could not be handled.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBreakerTransition increments [Metrics.BreakerTransitions].
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("breaker", breaker),
		Attr("state", state),
	))
}

// RecordUpload records one recording upload attempt.
func (m *Metrics) RecordUpload(ctx context.Context, status string) {
	m.RecordingUploads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
