package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the runtime: command handling,
// event persistence and publishing, reloads, conflicts, snapshots, broker
// routing and projection processing.
type Metrics struct {
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter
	PublishLatency  metric.Float64Histogram

	AggregateReloads metric.Int64Counter
	SnapshotHits     metric.Int64Counter
	SnapshotMisses   metric.Int64Counter
	SnapshotsWritten metric.Int64Counter
	SnapshotQueue    metric.Int64Gauge

	VersionConflicts metric.Int64Counter
	ConflictRetries  metric.Int64Counter

	BrokerRouted    metric.Int64Counter
	BrokerDropped   metric.Int64Counter
	BrokerMalformed metric.Int64Counter

	ProjectionProcessed  metric.Int64Counter
	ProjectionDuplicates metric.Int64Counter
	ProjectionErrors     metric.Int64Counter
	ProjectionLag        metric.Float64Gauge
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"arque.command.duration",
		metric.WithDescription("Command processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"arque.command.total",
		metric.WithDescription("Total commands processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"arque.command.errors",
		metric.WithDescription("Total command failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"arque.events.appended",
		metric.WithDescription("Total events appended to the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"arque.events.published",
		metric.WithDescription("Total events published to streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"arque.publish.latency",
		metric.WithDescription("Stream publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.latency: %w", err)
	}

	m.AggregateReloads, err = meter.Int64Counter(
		"arque.reload.total",
		metric.WithDescription("Total aggregate reloads"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating reload.total: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"arque.reload.snapshot_hits",
		metric.WithDescription("Reloads that started from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating reload.snapshot_hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"arque.reload.snapshot_misses",
		metric.WithDescription("Reloads that replayed the full log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating reload.snapshot_misses: %w", err)
	}

	m.SnapshotsWritten, err = meter.Int64Counter(
		"arque.snapshot.written",
		metric.WithDescription("Total snapshots written"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.written: %w", err)
	}

	m.SnapshotQueue, err = meter.Int64Gauge(
		"arque.snapshot.queue_depth",
		metric.WithDescription("Snapshot requests waiting to be written"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.queue_depth: %w", err)
	}

	m.VersionConflicts, err = meter.Int64Counter(
		"arque.conflict.total",
		metric.WithDescription("Total optimistic concurrency conflicts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating conflict.total: %w", err)
	}

	m.ConflictRetries, err = meter.Int64Counter(
		"arque.conflict.retries",
		metric.WithDescription("Command retries after a version conflict"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating conflict.retries: %w", err)
	}

	m.BrokerRouted, err = meter.Int64Counter(
		"arque.broker.routed",
		metric.WithDescription("Events routed to registered streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.routed: %w", err)
	}

	m.BrokerDropped, err = meter.Int64Counter(
		"arque.broker.dropped",
		metric.WithDescription("Events dropped because no stream was registered"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.dropped: %w", err)
	}

	m.BrokerMalformed, err = meter.Int64Counter(
		"arque.broker.malformed",
		metric.WithDescription("Ingress frames that could not be decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.malformed: %w", err)
	}

	m.ProjectionProcessed, err = meter.Int64Counter(
		"arque.projection.processed",
		metric.WithDescription("Events processed by projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.processed: %w", err)
	}

	m.ProjectionDuplicates, err = meter.Int64Counter(
		"arque.projection.duplicates",
		metric.WithDescription("Events skipped as already processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.duplicates: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"arque.projection.errors",
		metric.WithDescription("Projection handler errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"arque.projection.lag",
		metric.WithDescription("Projection lag in seconds behind the stream"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	return m, nil
}

// RecordCommand records the outcome of one command invocation. A nil
// receiver is a no-op so callers need not guard for disabled metrics.
func (m *Metrics) RecordCommand(ctx context.Context, commandType uint32, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Int64("command_type", int64(commandType)),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errorAttrs := append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordAppend records events durably appended to the store.
func (m *Metrics) RecordAppend(ctx context.Context, events int) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, int64(events))
}

// RecordPublish records a publish to a stream.
func (m *Metrics) RecordPublish(ctx context.Context, stream string, duration time.Duration, events int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stream", stream))
	m.PublishLatency.Record(ctx, duration.Seconds(), attrs)
	m.EventsPublished.Add(ctx, int64(events), attrs)
}

// RecordReload records an aggregate reload and whether a snapshot cut the
// replay short.
func (m *Metrics) RecordReload(ctx context.Context, snapshotUsed bool) {
	if m == nil {
		return
	}
	m.AggregateReloads.Add(ctx, 1)
	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1)
	} else {
		m.SnapshotMisses.Add(ctx, 1)
	}
}

// RecordConflict records a version conflict, counting the retry that
// follows it when retried is set.
func (m *Metrics) RecordConflict(ctx context.Context, retried bool) {
	if m == nil {
		return
	}
	m.VersionConflicts.Add(ctx, 1)
	if retried {
		m.ConflictRetries.Add(ctx, 1)
	}
}

// RecordSnapshot records a snapshot written to the store.
func (m *Metrics) RecordSnapshot(ctx context.Context) {
	if m == nil {
		return
	}
	m.SnapshotsWritten.Add(ctx, 1)
}

// RecordSnapshotQueue records the current snapshot queue depth.
func (m *Metrics) RecordSnapshotQueue(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.SnapshotQueue.Record(ctx, int64(depth))
}

// RecordBrokerRoute records the routing outcome for one ingress event.
// Zero targets counts as a drop.
func (m *Metrics) RecordBrokerRoute(ctx context.Context, eventType uint32, targets int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int64("event_type", int64(eventType)))
	if targets == 0 {
		m.BrokerDropped.Add(ctx, 1, attrs)
		return
	}
	m.BrokerRouted.Add(ctx, int64(targets), attrs)
}

// RecordBrokerMalformed records an ingress frame that failed to decode.
func (m *Metrics) RecordBrokerMalformed(ctx context.Context) {
	if m == nil {
		return
	}
	m.BrokerMalformed.Add(ctx, 1)
}

// RecordProjection records one projection handler invocation.
func (m *Metrics) RecordProjection(ctx context.Context, projection string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("projection", projection))
	m.ProjectionProcessed.Add(ctx, 1, attrs)
	if err != nil {
		m.ProjectionErrors.Add(ctx, 1, attrs)
	}
}

// RecordProjectionDuplicate records an event skipped by the checkpoint.
func (m *Metrics) RecordProjectionDuplicate(ctx context.Context, projection string) {
	if m == nil {
		return
	}
	m.ProjectionDuplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("projection", projection)))
}

// RecordProjectionLag records how far behind a projection is.
func (m *Metrics) RecordProjectionLag(ctx context.Context, projection string, lagSeconds float64) {
	if m == nil {
		return
	}
	m.ProjectionLag.Record(ctx, lagSeconds, metric.WithAttributes(attribute.String("projection", projection)))
}
