// Package etlmetrics exposes a job's row counters as OpenTelemetry
// instruments: one counter per attempted/inserted/rejected/dead-lettered
// row, plus a rows-per-second gauge. The orchestrator updates them
// directly; the job registry does not feed them. The
// instrument set, no-op-when-disabled default, and meter-provider
// lifecycle are adapted from bc-dunia-mcpdrill's internal/otel/metrics.go,
// trimmed to the stdout exporter this module depends on.
package etlmetrics

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls whether metrics are collected at all; disabled
// installations pay no OTel cost beyond a no-op meter provider.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Metrics wraps the OTel instruments the orchestrator updates as a job
// progresses.
type Metrics struct {
	meterProvider *sdkmetric.MeterProvider
	shutdown      func(context.Context) error

	attempted   metric.Int64Counter
	inserted    metric.Int64Counter
	rejected    metric.Int64Counter
	deadLetters metric.Int64Counter
	rowRate     metric.Float64ObservableGauge

	currentRowRate atomic.Value // stores float64
}

// New creates the metrics instance. With cfg.Enabled false, every
// instrument method becomes a cheap no-op rather than failing.
func New(cfg Config) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "etlcore"
	}

	m := &Metrics{}
	m.currentRowRate.Store(float64(0))

	if !cfg.Enabled {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metrics exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	m.meterProvider = mp
	m.shutdown = mp.Shutdown

	meter := mp.Meter(cfg.ServiceName)

	if m.attempted, err = meter.Int64Counter("etl.rows.attempted",
		metric.WithDescription("Rows read from the source")); err != nil {
		return nil, fmt.Errorf("create attempted counter: %w", err)
	}
	if m.inserted, err = meter.Int64Counter("etl.rows.inserted",
		metric.WithDescription("Rows persisted by the loader")); err != nil {
		return nil, fmt.Errorf("create inserted counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("etl.rows.rejected",
		metric.WithDescription("Rows rejected by transform validation")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if m.deadLetters, err = meter.Int64Counter("etl.rows.dead_lettered",
		metric.WithDescription("Rows spilled to the dead-letter collector")); err != nil {
		return nil, fmt.Errorf("create dead-letter counter: %w", err)
	}
	m.rowRate, err = meter.Float64ObservableGauge("etl.rows.rate",
		metric.WithDescription("Rows processed per second, sampled at the last progress tick"))
	if err != nil {
		return nil, fmt.Errorf("create row-rate gauge: %w", err)
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveFloat64(m.rowRate, m.currentRowRate.Load().(float64))
		return nil
	}, m.rowRate); err != nil {
		return nil, fmt.Errorf("register row-rate callback: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordAttempted(ctx context.Context, jobID string, n int64) {
	if m.attempted == nil {
		return
	}
	m.attempted.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}

func (m *Metrics) RecordInserted(ctx context.Context, jobID string, n int64) {
	if m.inserted == nil {
		return
	}
	m.inserted.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}

func (m *Metrics) RecordRejected(ctx context.Context, jobID string, n int64) {
	if m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}

func (m *Metrics) RecordDeadLetters(ctx context.Context, jobID string, n int64) {
	if m.deadLetters == nil {
		return
	}
	m.deadLetters.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}

// SetRowRate records the most recent rows/sec sample for the observable
// gauge to report on its next collection.
func (m *Metrics) SetRowRate(rowsPerSecond float64) {
	m.currentRowRate.Store(rowsPerSecond)
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}
