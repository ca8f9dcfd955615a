// Package observe provides observability primitives for the dictation
// daemon: OpenTelemetry metric instruments and the SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the daemon's local HTTP endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dictare metrics.
const meterName = "github.com/okarlsen/dictare"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscriptionDuration tracks one provider attempt's latency.
	// Use with attribute.String("provider", ...).
	TranscriptionDuration metric.Float64Histogram

	// SessionDuration tracks full recording-to-transcript session length.
	SessionDuration metric.Float64Histogram

	// ServerStartupDuration tracks local inference server provisioning time.
	ServerStartupDuration metric.Float64Histogram

	// ProviderRequests counts provider attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts classified provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Fallbacks counts pipeline calls that left the primary provider.
	Fallbacks metric.Int64Counter

	// RecoveryAttempts counts automatic self-healing attempts. Use with
	// attribute.String("subsystem", ...).
	RecoveryAttempts metric.Int64Counter

	// ActiveSessions tracks whether a dictation session is in flight (0/1).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// quick local inference up to slow remote uploads of long recordings.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("dictare.transcription.duration",
		metric.WithDescription("Latency of one provider transcription attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("dictare.session.duration",
		metric.WithDescription("Duration of a full dictation session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ServerStartupDuration, err = m.Float64Histogram("dictare.localserver.startup.duration",
		metric.WithDescription("Time to provision a healthy local inference server."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("dictare.provider.requests",
		metric.WithDescription("Total provider attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("dictare.provider.errors",
		metric.WithDescription("Total classified provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("dictare.pipeline.fallbacks",
		metric.WithDescription("Pipeline calls that fell back past the primary provider."),
	); err != nil {
		return nil, err
	}
	if met.RecoveryAttempts, err = m.Int64Counter("dictare.recovery.attempts",
		metric.WithDescription("Automatic self-healing attempts by subsystem."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("dictare.active_sessions",
		metric.WithDescription("Whether a dictation session is currently in flight."),
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
