package arque

import (
	"context"
)

// ListEventsQuery selects events ordered by (aggregate id asc, version asc).
// When Aggregate is set, only that aggregate's events strictly after
// Aggregate.Version are returned (exclusive lower bound; pass 0 for all).
// When Type is set, only events of that type are returned.
type ListEventsQuery struct {
	Aggregate *AggregateRef
	Type      *uint32
}

// SnapshotQuery asks for a snapshot strictly newer than Aggregate.Version.
// Callers pass the highest version they already hold, usually 0 on cold load.
type SnapshotQuery struct {
	Aggregate AggregateRef
}

// EventCursor iterates a ListEvents result lazily, in the manner of
// sql.Rows. The sequence is restartable: issuing the same query again
// yields the same events.
//
//	cur, err := store.ListEvents(ctx, q)
//	if err != nil { ... }
//	defer cur.Close()
//	for cur.Next(ctx) {
//	    ev := cur.Event()
//	    ...
//	}
//	if err := cur.Err(); err != nil { ... }
type EventCursor interface {
	// Next advances to the next event. It returns false when the sequence
	// is exhausted or an error occurred; Err distinguishes the two.
	Next(ctx context.Context) bool

	// Event returns the current event. Only valid after Next returned true.
	Event() *Event

	// Err returns the first error encountered during iteration, if any.
	Err() error

	// Close releases the cursor's resources.
	Close() error
}

// StoreAdapter is the persistence contract: an append-only event log with
// snapshots, projection checkpoints and aggregate finality.
//
// Implementations are long-lived, shared across the process and internally
// thread-safe. Transient driver failures (serialization, deadlock) are
// retried internally with exponential backoff before surfacing.
type StoreAdapter interface {
	// SaveEvents appends a batch atomically: either every event is durable
	// or none is. It fails with ErrAggregateFinalized when the aggregate is
	// final and with ErrVersionConflict when another writer has appended at
	// or past the claimed version.
	SaveEvents(ctx context.Context, batch EventBatch) error

	// ListEvents returns a lazy cursor over matching events.
	ListEvents(ctx context.Context, q ListEventsQuery) (EventCursor, error)

	// FindLatestSnapshot returns the snapshot with the greatest version
	// strictly above q.Aggregate.Version, or ErrSnapshotNotFound.
	FindLatestSnapshot(ctx context.Context, q SnapshotQuery) (*Snapshot, error)

	// SaveSnapshot upserts a snapshot keyed by (aggregate id, version).
	// At most one snapshot write is in flight per adapter instance.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// SaveCheckpoint upserts the checkpoint at (projection, aggregate id),
	// overwriting the version unconditionally. The projection runtime is
	// the sole writer per projection.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// ShouldProcess reports whether an event at cp.Aggregate.Version should
	// be processed: true when no checkpoint exists at that version or past
	// it, false when the checkpoint already covers it (duplicate delivery).
	ShouldProcess(ctx context.Context, cp Checkpoint) (bool, error)

	// FinalizeAggregate atomically marks the aggregate and its events
	// final. Idempotent; subsequent SaveEvents calls fail with
	// ErrAggregateFinalized.
	FinalizeAggregate(ctx context.Context, id AggregateID) error

	// Close releases the adapter's resources.
	Close() error
}
