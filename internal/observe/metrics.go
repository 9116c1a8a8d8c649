// Package observe records OpenTelemetry metrics for measurement sessions.
//
// Instruments are created from a caller-supplied [metric.MeterProvider];
// [DefaultMetrics] uses the global provider, which is a no-op until the
// application installs one. Tests should build their own with [NewMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "doppler"

// Outcome labels for results that carry a speed rather than a failure code.
const OutcomeOK = "ok"

// Metrics holds the session instruments. The OTel types handle their own
// synchronisation.
type Metrics struct {
	// SessionsStarted counts measurement sessions, live or from a file.
	// Use with attribute.String("source", "live"|"file").
	SessionsStarted metric.Int64Counter

	// Results counts estimation outcomes. Use with attributes:
	//   attribute.String("outcome", "ok"|"E01"...), attribute.String("strategy", ...)
	Results metric.Int64Counter

	// EstimationDuration tracks time from stop to result.
	EstimationDuration metric.Float64Histogram

	// DroppedFrames counts capture frames the collector could not queue.
	DroppedFrames metric.Int64Counter

	// DeviceAcquired is 1 while the input device is held.
	DeviceAcquired metric.Int64UpDownCounter
}

var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsStarted, err = m.Int64Counter("doppler.sessions.started",
		metric.WithDescription("Measurement sessions started by source."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("doppler.results",
		metric.WithDescription("Estimation outcomes by result code and strategy."),
	); err != nil {
		return nil, err
	}
	if met.EstimationDuration, err = m.Float64Histogram("doppler.estimation.duration",
		metric.WithDescription("Time from the end of collection to a result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("doppler.capture.dropped_frames",
		metric.WithDescription("Capture frames dropped because the collection queue was full."),
	); err != nil {
		return nil, err
	}
	if met.DeviceAcquired, err = m.Int64UpDownCounter("doppler.device.acquired",
		metric.WithDescription("1 while the input device is held."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on
// otel.GetMeterProvider.
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

func (m *Metrics) RecordSessionStart(ctx context.Context, source string) {
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordResult counts one outcome and its estimation latency.
func (m *Metrics) RecordResult(ctx context.Context, outcome, strategy string, elapsed time.Duration) {
	m.Results.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("strategy", strategy),
		),
	)
	m.EstimationDuration.Record(ctx, elapsed.Seconds())
}

func (m *Metrics) RecordDropped(ctx context.Context, n int) {
	if n > 0 {
		m.DroppedFrames.Add(ctx, int64(n))
	}
}

// RecordDevice tracks acquisition (held=true) and release.
func (m *Metrics) RecordDevice(ctx context.Context, held bool) {
	delta := int64(-1)
	if held {
		delta = 1
	}
	m.DeviceAcquired.Add(ctx, delta)
}
