// Package observe provides application-wide observability primitives for
// Vocaduct: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"github.com/vocaduct/vocaduct/pkg/audio/stream"
)

// meterName is the instrumentation scope name used for all Vocaduct metrics.
const meterName = "github.com/vocaduct/vocaduct"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RenderDuration tracks how long the playback engine spends filling one
	// frame from the output streamer. Callback deadlines at 16 kHz leave a
	// handful of milliseconds, so the buckets start well below that.
	RenderDuration metric.Float64Histogram

	// CallDuration tracks wall-clock duration of completed calls.
	CallDuration metric.Float64Histogram

	// CallsStarted counts call attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	CallsStarted metric.Int64Counter

	// WSAudioBytes counts raw PCM bytes crossing the call socket. Use with
	// attribute: attribute.String("direction", "inbound"|"outbound")
	WSAudioBytes metric.Int64Counter

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// renderBuckets defines histogram bucket boundaries (in seconds) for the
// playback render path. A 20 ms frame budget means anything above a few
// milliseconds is trouble.
var renderBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// callBuckets covers call durations from a few seconds to half an hour.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RenderDuration, err = m.Float64Histogram("vocaduct.render.duration",
		metric.WithDescription("Time spent filling one playback frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(renderBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("vocaduct.call.duration",
		metric.WithDescription("Wall-clock duration of completed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("vocaduct.calls.started",
		metric.WithDescription("Total call attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.WSAudioBytes, err = m.Int64Counter("vocaduct.ws.audio.bytes",
		metric.WithDescription("Raw PCM bytes crossing the call socket by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("vocaduct.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocaduct.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterStreamMetrics registers asynchronous instruments that surface the
// cumulative counters of the given stream adapters. The adapters expose
// snapshots rather than recording metrics themselves, so the hot render and
// capture paths stay free of instrumentation overhead; the SDK reads the
// counters only at collection time.
//
// Either streamer may be nil, in which case its instruments are skipped.
// Returns the registration so the caller can unregister when the adapters are
// retired.
func RegisterStreamMetrics(mp metric.MeterProvider, out *stream.OutputStreamer, in *stream.InputStreamer) (metric.Registration, error) {
	m := mp.Meter(meterName)

	queueDepth, err := m.Int64ObservableGauge("vocaduct.playback.queue_depth",
		metric.WithDescription("Samples currently buffered for playback."),
	)
	if err != nil {
		return nil, err
	}
	underruns, err := m.Int64ObservableCounter("vocaduct.playback.underruns",
		metric.WithDescription("Renders that found too few samples and padded with silence."),
	)
	if err != nil {
		return nil, err
	}
	droppedSamples, err := m.Int64ObservableCounter("vocaduct.playback.dropped_samples",
		metric.WithDescription("Samples discarded by the playback queue capacity policy."),
	)
	if err != nil {
		return nil, err
	}
	emittedChunks, err := m.Int64ObservableCounter("vocaduct.capture.emitted_chunks",
		metric.WithDescription("PCM chunks emitted by the capture adapter."),
	)
	if err != nil {
		return nil, err
	}
	droppedChunks, err := m.Int64ObservableCounter("vocaduct.capture.dropped_chunks",
		metric.WithDescription("PCM chunks dropped because the emission channel was full."),
	)
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if out != nil {
			st := out.Stats()
			o.ObserveInt64(queueDepth, int64(out.Len()))
			o.ObserveInt64(underruns, int64(st.Underruns))
			o.ObserveInt64(droppedSamples, int64(st.SamplesDropped))
		}
		if in != nil {
			st := in.Stats()
			o.ObserveInt64(emittedChunks, int64(st.ChunksEmitted))
			o.ObserveInt64(droppedChunks, int64(st.ChunksDropped))
		}
		return nil
	}, queueDepth, underruns, droppedSamples, emittedChunks, droppedChunks)
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

// RecordCallStarted records a call attempt with its outcome status.
func (m *Metrics) RecordCallStarted(ctx context.Context, status string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordAudioBytes records PCM bytes moved over the call socket in the given
// direction ("inbound" for assistant audio, "outbound" for captured audio).
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.WSAudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
