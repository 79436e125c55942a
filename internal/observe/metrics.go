// Package observe provides the observability primitives shared by every
// voxlink binary: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Codec directions used as the "direction" attribute.
const (
	DirectionEncode = "encode"
	DirectionDecode = "decode"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Frame counters ---

	// FramesEncoded counts PCM frames successfully compressed.
	FramesEncoded metric.Int64Counter

	// FramesSent counts compressed frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts compressed frames received from the transport.
	FramesReceived metric.Int64Counter

	// FramesDecoded counts compressed frames successfully expanded.
	FramesDecoded metric.Int64Counter

	// --- Degradation counters ---

	// CodecErrors counts per-frame codec failures. Use with attribute:
	//   attribute.String("direction", "encode"|"decode")
	CodecErrors metric.Int64Counter

	// CaptureDrops counts captured frames dropped because the send queue was full.
	CaptureDrops metric.Int64Counter

	// OverrunSamples counts playback samples overwritten before being played.
	OverrunSamples metric.Int64Counter

	// Underruns counts playback callbacks padded with silence.
	Underruns metric.Int64Counter

	// LateFrames counts frames received after the end-of-stream sentinel.
	LateFrames metric.Int64Counter

	// --- Sessions ---

	// Sessions counts finished sessions. Use with attribute:
	//   attribute.String("outcome", "completed"|"aborted"|"failed")
	Sessions metric.Int64Counter

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePeers tracks the number of connected loopback peers.
	ActivePeers metric.Int64UpDownCounter

	// SessionDuration tracks session lifetime from start to idle.
	SessionDuration metric.Float64Histogram

	// JitterStartDelay tracks the time between the first received frame and
	// the start of playback. Use with attribute:
	//   attribute.String("reason", "threshold"|"timeout"|"end_of_stream")
	JitterStartDelay metric.Float64Histogram

	// CodecDuration tracks per-frame codec latency. Use with attribute:
	//   attribute.String("direction", ...)
	CodecDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// buffering and session-level latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// codecBuckets covers sub-millisecond to tens-of-milliseconds codec work.
var codecBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesEncoded, "voxlink.frames.encoded", "PCM frames compressed."},
		{&met.FramesSent, "voxlink.frames.sent", "Compressed frames sent."},
		{&met.FramesReceived, "voxlink.frames.received", "Compressed frames received."},
		{&met.FramesDecoded, "voxlink.frames.decoded", "Compressed frames decoded."},
		{&met.CodecErrors, "voxlink.codec.errors", "Per-frame codec failures by direction."},
		{&met.CaptureDrops, "voxlink.capture.dropped_frames", "Captured frames dropped on a full send queue."},
		{&met.OverrunSamples, "voxlink.playback.overrun_samples", "Playback samples overwritten before playout."},
		{&met.Underruns, "voxlink.playback.underruns", "Playback reads padded with silence."},
		{&met.LateFrames, "voxlink.jitter.late_frames", "Frames received after end of stream."},
		{&met.Sessions, "voxlink.sessions", "Finished sessions by outcome."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64UpDownCounter("voxlink.active_peers",
		metric.WithDescription("Number of connected loopback peers."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxlink.session.duration",
		metric.WithDescription("Session lifetime from start to idle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JitterStartDelay, err = m.Float64Histogram("voxlink.jitter.start_delay",
		metric.WithDescription("Delay between first received frame and playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CodecDuration, err = m.Float64Histogram("voxlink.codec.duration",
		metric.WithDescription("Per-frame codec latency by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(codecBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCodec records one codec operation: its latency and, when failed, an
// error count for the direction.
func (m *Metrics) RecordCodec(ctx context.Context, direction string, d time.Duration, failed bool) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.CodecDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.CodecErrors.Add(ctx, 1, attrs)
	}
}

// RecordSession records a finished session with its outcome and lifetime.
func (m *Metrics) RecordSession(ctx context.Context, outcome string, d time.Duration) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.SessionDuration.Record(ctx, d.Seconds())
}

// RecordJitterStart records how long the receive buffer waited before
// authorising playback and why it opened.
func (m *Metrics) RecordJitterStart(ctx context.Context, reason string, d time.Duration) {
	m.JitterStartDelay.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
