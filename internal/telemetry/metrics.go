package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetricsMeterName is the name used for the run metrics meter
const RunMetricsMeterName = "github.com/stacklok/dbgit-backup/coordinator"

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900, 1800}

// RunMetrics holds the OpenTelemetry instruments for backup runs.
// A nil *RunMetrics is valid and records nothing.
type RunMetrics struct {
	runDuration   metric.Float64Histogram
	phaseDuration metric.Float64Histogram
	dropped       metric.Int64Counter
	records       metric.Int64Counter
}

// NewRunMetrics creates the run instruments on the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewRunMetrics(provider metric.MeterProvider) (*RunMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RunMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"dbgit_backup_run_duration_seconds",
		metric.WithDescription("Duration of backup runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	phaseDuration, err := meter.Float64Histogram(
		"dbgit_backup_phase_duration_seconds",
		metric.WithDescription("Duration of each run phase in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"dbgit_backup_triggers_dropped_total",
		metric.WithDescription("Triggers ignored because a run was already in progress"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"dbgit_backup_records_total",
		metric.WithDescription("Records written to the backup directory"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		runDuration:   runDuration,
		phaseDuration: phaseDuration,
		dropped:       dropped,
		records:       records,
	}, nil
}

// RecordRun records the duration of a finished run.
// failedPhase is empty for successful runs.
func (m *RunMetrics) RecordRun(ctx context.Context, duration time.Duration, failedPhase string) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", failedPhase == ""),
	}
	if failedPhase != "" {
		attrs = append(attrs, attribute.String("failed_phase", failedPhase))
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordPhase records the duration of a single run phase
func (m *RunMetrics) RecordPhase(ctx context.Context, phase string, duration time.Duration, success bool) {
	if m == nil || m.phaseDuration == nil {
		return
	}

	m.phaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.Bool("success", success),
	))
}

// RecordDropped counts a trigger that found a run in progress
func (m *RunMetrics) RecordDropped(ctx context.Context) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}

// RecordBackup counts the records written by a producer
func (m *RunMetrics) RecordBackup(ctx context.Context, engine string, records int64) {
	if m == nil || m.records == nil {
		return
	}
	m.records.Add(ctx, records, metric.WithAttributes(attribute.String("engine", engine)))
}
