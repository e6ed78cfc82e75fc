// Package memory provides an in-memory StoreAdapter for tests, examples
// and single-process setups that need no durability.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arqueio/arque/pkg/arque"
)

type aggregateRecord struct {
	version   uint32
	timestamp time.Time
	final     bool
}

type checkpointKey struct {
	projection string
	aggregate  arque.AggregateID
}

// Store is an in-memory implementation of arque.StoreAdapter. It is safe
// for concurrent use and keeps everything until Close.
type Store struct {
	mu          sync.RWMutex
	events      map[arque.AggregateID][]*arque.Event
	aggregates  map[arque.AggregateID]*aggregateRecord
	snapshots   map[arque.AggregateID]map[uint32]*arque.Snapshot
	checkpoints map[checkpointKey]arque.Checkpoint

	// snapMu keeps at most one snapshot write in flight.
	snapMu sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:      make(map[arque.AggregateID][]*arque.Event),
		aggregates:  make(map[arque.AggregateID]*aggregateRecord),
		snapshots:   make(map[arque.AggregateID]map[uint32]*arque.Snapshot),
		checkpoints: make(map[checkpointKey]arque.Checkpoint),
	}
}

// SaveEvents appends a batch atomically under the optimistic version check.
func (s *Store) SaveEvents(ctx context.Context, batch arque.EventBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch.Events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := batch.Aggregate.ID
	rec := s.aggregates[id]
	current := uint32(0)
	if rec != nil {
		if rec.final {
			return &arque.FinalizedError{ID: id}
		}
		current = rec.version
	}

	if batch.Aggregate.Version != current+1 {
		return &arque.VersionConflictError{Aggregate: batch.Aggregate}
	}

	s.events[id] = append(s.events[id], batch.Events...)
	last := batch.Events[len(batch.Events)-1]
	s.aggregates[id] = &aggregateRecord{
		version:   last.Aggregate.Version,
		timestamp: batch.Timestamp,
	}
	return nil
}

// ListEvents returns a cursor over a stable copy of the matching events,
// ordered by (aggregate id asc, version asc).
func (s *Store) ListEvents(ctx context.Context, q arque.ListEventsQuery) (arque.EventCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*arque.Event
	if q.Aggregate != nil {
		for _, ev := range s.events[q.Aggregate.ID] {
			if ev.Aggregate.Version <= q.Aggregate.Version {
				continue
			}
			if q.Type != nil && ev.Type != *q.Type {
				continue
			}
			out = append(out, ev)
		}
	} else {
		ids := make([]arque.AggregateID, 0, len(s.events))
		for id := range s.events {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return bytes.Compare(ids[i][:], ids[j][:]) < 0
		})
		for _, id := range ids {
			for _, ev := range s.events[id] {
				if q.Type != nil && ev.Type != *q.Type {
					continue
				}
				out = append(out, ev)
			}
		}
	}

	return &sliceCursor{events: out}, nil
}

// FindLatestSnapshot returns the newest snapshot strictly above the passed
// version, or arque.ErrSnapshotNotFound.
func (s *Store) FindLatestSnapshot(ctx context.Context, q arque.SnapshotQuery) (*arque.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *arque.Snapshot
	for version, snap := range s.snapshots[q.Aggregate.ID] {
		if version <= q.Aggregate.Version {
			continue
		}
		if best == nil || version > best.Aggregate.Version {
			best = snap
		}
	}
	if best == nil {
		return nil, arque.ErrSnapshotNotFound
	}

	copied := *best
	return &copied, nil
}

// SaveSnapshot upserts a snapshot keyed by (aggregate id, version).
func (s *Store) SaveSnapshot(ctx context.Context, snap *arque.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := snap.Aggregate.ID
	if s.snapshots[id] == nil {
		s.snapshots[id] = make(map[uint32]*arque.Snapshot)
	}
	copied := *snap
	s.snapshots[id][snap.Aggregate.Version] = &copied
	return nil
}

// SaveCheckpoint upserts the checkpoint, overwriting unconditionally.
func (s *Store) SaveCheckpoint(ctx context.Context, cp arque.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpointKey{cp.Projection, cp.Aggregate.ID}] = cp
	return nil
}

// ShouldProcess reports whether no checkpoint covers the passed version yet.
func (s *Store) ShouldProcess(ctx context.Context, cp arque.Checkpoint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.checkpoints[checkpointKey{cp.Projection, cp.Aggregate.ID}]
	if !ok {
		return true, nil
	}
	return existing.Aggregate.Version < cp.Aggregate.Version, nil
}

// FinalizeAggregate freezes the aggregate. Finalizing an aggregate that has
// no events yet still blocks its first append.
func (s *Store) FinalizeAggregate(ctx context.Context, id arque.AggregateID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.aggregates[id]
	if rec == nil {
		rec = &aggregateRecord{timestamp: time.Now()}
		s.aggregates[id] = rec
	}
	rec.final = true
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

type sliceCursor struct {
	events []*arque.Event
	pos    int
	cur    *arque.Event
	err    error
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos >= len(c.events) {
		return false
	}
	c.cur = c.events[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor) Event() *arque.Event {
	return c.cur
}

func (c *sliceCursor) Err() error {
	return c.err
}

func (c *sliceCursor) Close() error {
	return nil
}

var _ arque.StoreAdapter = (*Store)(nil)
