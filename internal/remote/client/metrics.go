package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Metrics records client side session exchanges.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	loads     metric.Int64Counter
	commits   metric.Int64Counter
	fallbacks metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetrics creates client metrics on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider, logger *zap.Logger) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.loads, err = m.meter.Int64Counter(
		"sessionbridge.client.loads",
		metric.WithDescription("Remote session loads labeled by strategy, mode and outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		m.logger.Warn("failed to create loads counter", zap.Error(err))
	}

	m.commits, err = m.meter.Int64Counter(
		"sessionbridge.client.commits",
		metric.WithDescription("Remote session commits labeled by strategy and outcome"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		m.logger.Warn("failed to create commits counter", zap.Error(err))
	}

	m.fallbacks, err = m.meter.Int64Counter(
		"sessionbridge.client.fallbacks",
		metric.WithDescription("Writeable loads retried on the double connection strategy"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		m.logger.Warn("failed to create fallbacks counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"sessionbridge.client.duration_seconds",
		metric.WithDescription("Duration of remote session loads and commits"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) load(ctx context.Context, strategy, mode string, err error, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome(err)),
	)
	if m.loads != nil {
		m.loads.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("op", "load"),
			attribute.String("strategy", strategy),
		))
	}
}

func (m *Metrics) commit(ctx context.Context, strategy string, err error, d time.Duration) {
	if m == nil {
		return
	}
	if m.commits != nil {
		m.commits.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("outcome", outcome(err)),
		))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("op", "commit"),
			attribute.String("strategy", strategy),
		))
	}
}

func (m *Metrics) fallback(ctx context.Context) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1)
}

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}
