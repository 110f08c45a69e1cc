package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/digdir/erproxy-sync/sync"
)

// Record operations reported by RecordRecords
const (
	OperationWritten = "written"
	OperationDeleted = "deleted"
)

// SyncMetrics holds the OpenTelemetry instruments for partition sync runs
type SyncMetrics struct {
	syncDuration        metric.Float64Histogram
	recordsTotal        metric.Int64Counter
	checkpointTimestamp metric.Float64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	// Full ingestions run for tens of minutes, hence the long tail
	syncDuration, err := meter.Float64Histogram(
		"erproxy_sync_duration_seconds",
		metric.WithDescription("Duration of partition sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, err
	}

	recordsTotal, err := meter.Int64Counter(
		"erproxy_sync_records_total",
		metric.WithDescription("Number of records written to or deleted from the sink"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	checkpointTimestamp, err := meter.Float64Gauge(
		"erproxy_checkpoint_timestamp_seconds",
		metric.WithDescription("Unix time of the last persisted checkpoint per partition"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:        syncDuration,
		recordsTotal:        recordsTotal,
		checkpointTimestamp: checkpointTimestamp,
	}, nil
}

// RecordSyncDuration records the duration of a partition sync run
func (m *SyncMetrics) RecordSyncDuration(
	ctx context.Context, partition, mode string, duration time.Duration, success bool,
) {
	if m == nil || m.syncDuration == nil {
		return
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	))
}

// RecordRecords adds count records of the given operation for a partition
func (m *SyncMetrics) RecordRecords(ctx context.Context, partition, operation string, count int64) {
	if m == nil || m.recordsTotal == nil || count == 0 {
		return
	}

	m.recordsTotal.Add(ctx, count, metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.String("operation", operation),
	))
}

// RecordCheckpoint records the checkpoint a partition has reached
func (m *SyncMetrics) RecordCheckpoint(ctx context.Context, partition string, checkpoint time.Time) {
	if m == nil || m.checkpointTimestamp == nil || checkpoint.IsZero() {
		return
	}

	m.checkpointTimestamp.Record(ctx, float64(checkpoint.UnixMilli())/1000, metric.WithAttributes(
		attribute.String("partition", partition),
	))
}
