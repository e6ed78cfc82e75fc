// Package aggregate implements the command side of the runtime. An engine
// folds an aggregate's event log into typed state and runs command
// handlers whose events are appended under optimistic version control;
// a bounded factory caches live engines per aggregate id.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/codec"
	"github.com/arqueio/arque/pkg/observability"
)

// Command is the read-only view a command handler receives: the aggregate
// position, the state the decision is based on, and the caller's input.
type Command[S any] struct {
	Aggregate arque.AggregateRef
	State     S
	Timestamp time.Time
	Body      any
	Meta      map[string][]byte
}

// CommandHandler decides which events a command produces. Returning an
// error rejects the command; the error surfaces to the caller unchanged
// and nothing is appended.
type CommandHandler[S any] func(ctx context.Context, cmd Command[S]) ([]arque.EventDraft, error)

// EventHandler folds one event into the state, during replay and after a
// successful append alike. It must be deterministic and must not retain
// the previous state value.
type EventHandler[S any] func(state S, ev *arque.Event) (S, error)

// Aggregate is the command engine for one aggregate instance. It replays
// the log into a typed state, runs command handlers against that state and
// appends the produced events, retrying through reload when another writer
// wins the version race.
//
// All methods are safe for concurrent use. Reload and Process serialize on
// the instance, so version conflicts only arise from other processes or
// other instances of the same aggregate.
type Aggregate[S any] struct {
	store  arque.StoreAdapter
	stream arque.StreamAdapter
	id     arque.AggregateID
	cfg    config[S]
	log    *slog.Logger

	mu      sync.Mutex
	state   S
	version uint32

	snapshots *snapshotter
}

// New builds an engine over the given adapters. The engine starts at the
// initial state and version zero; the first Process (or an explicit
// Reload) folds the persisted log into it.
func New[S any](store arque.StoreAdapter, stream arque.StreamAdapter, id arque.AggregateID, initial S, opts ...Option[S]) *Aggregate[S] {
	cfg := defaultConfig[S]()
	for _, opt := range opts {
		opt(cfg)
	}

	a := &Aggregate[S]{
		store:   store,
		stream:  stream,
		id:      id,
		cfg:     *cfg,
		log:     cfg.logger,
		state:   initial,
		version: cfg.initialVersion,
	}
	if cfg.snapshotInterval > 0 {
		a.snapshots = newSnapshotter(store, id, cfg.logger, cfg.metrics)
	}
	return a
}

// ID returns the aggregate id.
func (a *Aggregate[S]) ID() arque.AggregateID {
	return a.id
}

// Version returns the version of the last applied event.
func (a *Aggregate[S]) Version() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// State returns the current folded state.
func (a *Aggregate[S]) State() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Reload folds persisted events into the state, starting from the newest
// snapshot that advances the instance. Concurrent calls serialize; each
// pass only reads events past the version it already holds.
func (a *Aggregate[S]) Reload(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, a.cfg.tracer, "aggregate.Reload",
		observability.AttrAggregateID.String(a.id.Base64()))

	a.mu.Lock()
	err := a.reloadLocked(ctx)
	version := a.version
	a.mu.Unlock()

	span.SetAttributes(observability.AttrAggregateVersion.Int64(int64(version)))
	observability.EndSpan(span, err)
	return err
}

func (a *Aggregate[S]) reloadLocked(ctx context.Context) error {
	snapshotUsed := false
	snap, err := a.store.FindLatestSnapshot(ctx, arque.SnapshotQuery{
		Aggregate: arque.AggregateRef{ID: a.id, Version: a.version},
	})
	switch {
	case err == nil:
		state, derr := a.cfg.decodeState(snap.State)
		if derr != nil {
			return fmt.Errorf("failed to decode snapshot state at version %d: %w", snap.Aggregate.Version, derr)
		}
		a.state = state
		a.version = snap.Aggregate.Version
		snapshotUsed = true
	case errors.Is(err, arque.ErrSnapshotNotFound):
		// Replay from the version already held.
	default:
		return fmt.Errorf("failed to find snapshot: %w", err)
	}

	cur, err := a.store.ListEvents(ctx, arque.ListEventsQuery{
		Aggregate: &arque.AggregateRef{ID: a.id, Version: a.version},
	})
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	defer cur.Close()

	state, version := a.state, a.version
	for cur.Next(ctx) {
		ev := cur.Event()
		version = ev.Aggregate.Version

		h, ok := a.cfg.eventHandlers[ev.Type]
		if !ok {
			// Unknown event types advance the version but not the state.
			continue
		}
		next, aerr := h(state, ev)
		if aerr != nil {
			return fmt.Errorf("failed to apply event type %d at version %d: %w", ev.Type, version, aerr)
		}
		state = next
	}
	if cerr := cur.Err(); cerr != nil {
		return fmt.Errorf("failed to iterate events: %w", cerr)
	}

	a.state = state
	a.version = version
	a.cfg.metrics.RecordReload(ctx, snapshotUsed)
	return nil
}

// Process runs the command handler registered for commandType against the
// freshly reloaded state and appends the events it produces as one atomic
// batch, published to the ingress stream after the append.
//
// A version conflict reloads the state and re-runs the handler, up to the
// configured attempt budget. Domain errors from the handler surface
// unchanged and are never retried. When the publish fails the events are
// already durable; the error reports that.
func (a *Aggregate[S]) Process(ctx context.Context, commandType uint32, body any, opts ...ProcessOption) ([]*arque.Event, error) {
	var cfg processConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := observability.StartSpan(ctx, a.cfg.tracer, "aggregate.Process",
		observability.AttrCommandType.Int64(int64(commandType)),
		observability.AttrAggregateID.String(a.id.Base64()))
	start := time.Now()

	a.mu.Lock()
	events, err := a.processLocked(ctx, commandType, body, cfg)
	version := a.version
	a.mu.Unlock()

	a.cfg.metrics.RecordCommand(ctx, commandType, time.Since(start), err)
	span.SetAttributes(observability.AttrAggregateVersion.Int64(int64(version)))
	observability.EndSpan(span, err)
	return events, err
}

func (a *Aggregate[S]) processLocked(ctx context.Context, commandType uint32, body any, cfg processConfig) ([]*arque.Event, error) {
	attempts := a.conflictAttempts()

	for attempt := 1; ; attempt++ {
		if attempt > 1 || !cfg.noReload {
			if err := a.reloadLocked(ctx); err != nil {
				return nil, err
			}
		}

		h, ok := a.cfg.commandHandlers[commandType]
		if !ok {
			return nil, &arque.HandlerMissingError{Kind: arque.CommandHandlerKind, Type: commandType}
		}

		ts := cfg.timestamp
		if ts.IsZero() {
			ts = a.cfg.clock()
		}

		drafts, err := h(ctx, Command[S]{
			Aggregate: arque.AggregateRef{ID: a.id, Version: a.version},
			State:     a.state,
			Timestamp: ts,
			Body:      body,
			Meta:      cfg.meta,
		})
		if err != nil {
			return nil, err
		}
		if len(drafts) == 0 {
			return nil, nil
		}

		events, err := a.seal(drafts, cfg.meta, ts)
		if err != nil {
			return nil, err
		}

		err = a.store.SaveEvents(ctx, arque.EventBatch{
			Aggregate: arque.AggregateRef{ID: a.id, Version: a.version + 1},
			Timestamp: ts,
			Events:    events,
			Meta:      cfg.meta,
		})
		if err == nil {
			return a.commitLocked(ctx, events)
		}
		if !errors.Is(err, arque.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= attempts {
			a.cfg.metrics.RecordConflict(ctx, false)
			return nil, err
		}

		a.cfg.metrics.RecordConflict(ctx, true)
		a.log.Debug("version conflict, reloading",
			"aggregate", a.id, "version", a.version+1, "attempt", attempt)
	}
}

// seal turns drafts into concrete events: generated ids, consecutive
// versions, encoded bodies and merged metadata. Events default to the
// aggregate id as partition key so one aggregate's events stay on one
// ordered lane end to end.
func (a *Aggregate[S]) seal(drafts []arque.EventDraft, meta map[string][]byte, ts time.Time) ([]*arque.Event, error) {
	events := make([]*arque.Event, len(drafts))
	for i, d := range drafts {
		var body []byte
		if d.Body != nil {
			var err error
			body, err = codec.Default().Marshal(d.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode body for event type %d: %w", d.Type, err)
			}
		}

		merged := mergeMeta(meta, d.Meta)
		if _, ok := merged[arque.MetaPartitionKey]; !ok {
			if merged == nil {
				merged = make(map[string][]byte, 1)
			}
			merged[arque.MetaPartitionKey] = a.id.Bytes()
		}

		events[i] = &arque.Event{
			ID:        arque.NewEventID(),
			Type:      d.Type,
			Aggregate: arque.AggregateRef{ID: a.id, Version: a.version + 1 + uint32(i)},
			Body:      body,
			Meta:      merged,
			Timestamp: ts,
		}
	}
	return events, nil
}

// commitLocked folds the freshly appended events into the state exactly as
// replay would, then publishes the batch to the ingress stream and applies
// the snapshot policy.
func (a *Aggregate[S]) commitLocked(ctx context.Context, events []*arque.Event) ([]*arque.Event, error) {
	a.cfg.metrics.RecordAppend(ctx, len(events))

	state, version := a.state, a.version
	for _, ev := range events {
		version = ev.Aggregate.Version

		h, ok := a.cfg.eventHandlers[ev.Type]
		if !ok {
			continue
		}
		next, err := h(state, ev)
		if err != nil {
			return nil, fmt.Errorf("failed to apply event type %d at version %d: %w", ev.Type, version, err)
		}
		state = next
	}
	a.state = state
	a.version = version

	published := time.Now()
	if err := a.stream.SendEvents(ctx, []arque.Batch{{Stream: arque.IngressStream, Events: events}}); err != nil {
		a.log.Warn("events appended but publish failed",
			"aggregate", a.id, "version", version, "error", err)
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}
	a.cfg.metrics.RecordPublish(ctx, arque.IngressStream, time.Since(published), len(events))

	a.maybeSnapshot(events[len(events)-1].Timestamp)
	return events, nil
}

func (a *Aggregate[S]) maybeSnapshot(ts time.Time) {
	if a.snapshots == nil {
		return
	}

	take := a.version%a.cfg.snapshotInterval == 0
	if !take && a.cfg.shouldSnapshot != nil {
		take = a.cfg.shouldSnapshot(a.state, a.version)
	}
	if !take {
		return
	}

	state, err := a.cfg.encodeState(a.state)
	if err != nil {
		a.log.Warn("failed to encode snapshot state",
			"aggregate", a.id, "version", a.version, "error", err)
		return
	}
	a.snapshots.enqueue(snapshotRequest{state: state, version: a.version, timestamp: ts})
}

// Finalize freezes the aggregate: the store rejects any further appends
// with ErrAggregateFinalized. Idempotent.
func (a *Aggregate[S]) Finalize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.FinalizeAggregate(ctx, a.id); err != nil {
		return fmt.Errorf("failed to finalize aggregate: %w", err)
	}
	return nil
}

// Close stops the snapshot worker after draining its queue. The adapters
// are owned by the caller and stay open.
func (a *Aggregate[S]) Close(ctx context.Context) error {
	if a.snapshots == nil {
		return nil
	}
	return a.snapshots.close(ctx)
}

func (a *Aggregate[S]) conflictAttempts() int {
	if n := a.cfg.conflictRetry.MaxAttempts; n > 0 {
		return n
	}
	return defaultConflictAttempts
}

func mergeMeta(base, over map[string][]byte) map[string][]byte {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
