// Package projection runs read-model consumers. A projection subscribes
// to its own stream, registers the event types it handles so the broker
// routes them over, and folds delivered events into caller-owned state.
// Delivery is at-least-once; per-aggregate checkpoints in the store make
// processing idempotent across redeliveries and restarts.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/observability"
	"github.com/arqueio/arque/pkg/runner"
)

// Handler binds one event type to a handler function. The state passed
// to Handle is the instance given to New; handlers mutate it in place
// and must tolerate replays of events they have already seen whenever a
// checkpoint write was lost.
type Handler[S any] struct {
	Type   uint32
	Handle func(ctx context.Context, state S, ev *arque.Event) error
}

// Projection is a runner.Service consuming one subscriber stream.
//
// Example usage:
//
//	view := NewAccountView()
//	p := projection.New(store, stream, config, "accounts-view", view,
//	    []projection.Handler[*AccountView]{
//	        {Type: evtOpened, Handle: view.onOpened},
//	        {Type: evtUpdated, Handle: view.onUpdated},
//	    },
//	)
//	r := runner.New([]runner.Service{transport, broker, p})
type Projection[S any] struct {
	store    arque.StoreAdapter
	stream   arque.StreamAdapter
	config   arque.ConfigAdapter
	id       string
	state    S
	handlers map[uint32]func(ctx context.Context, state S, ev *arque.Event) error
	cfg      config
	log      *slog.Logger

	mu          sync.Mutex
	sub         arque.Subscriber
	lastEventAt time.Time
}

// New creates a projection consuming the stream named id. Later handlers
// replace earlier ones for the same event type.
func New[S any](store arque.StoreAdapter, stream arque.StreamAdapter, config arque.ConfigAdapter, id string, state S, handlers []Handler[S], opts ...Option) *Projection[S] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Projection[S]{
		store:    store,
		stream:   stream,
		config:   config,
		id:       id,
		state:    state,
		handlers: make(map[uint32]func(ctx context.Context, state S, ev *arque.Event) error, len(handlers)),
		cfg:      cfg,
		log:      cfg.logger,
	}
	for _, h := range handlers {
		if h.Handle == nil {
			continue
		}
		p.handlers[h.Type] = h.Handle
	}
	return p
}

// ID returns the projection id, which is also its stream name.
func (p *Projection[S]) ID() string {
	return p.id
}

// State returns the state instance shared with the handlers.
func (p *Projection[S]) State() S {
	return p.state
}

// Name returns the service name for logging.
func (p *Projection[S]) Name() string {
	return "projection-" + p.id
}

// Start registers the projection's event types with the routing config,
// unless registration is disabled, and subscribes to its stream. It
// returns once the subscription is active.
func (p *Projection[S]) Start(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, p.cfg.tracer, "projection.Start",
		observability.AttrProjection.String(p.id))
	defer span.End()

	if p.id == "" {
		return errors.New("projection id must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return fmt.Errorf("projection %q already started", p.id)
	}

	if !p.cfg.disableRegistration {
		reg := arque.StreamRegistration{
			ID:        p.id,
			Events:    p.eventTypes(),
			Timestamp: p.cfg.clock(),
		}
		if err := p.config.SaveStream(ctx, reg); err != nil {
			observability.SetSpanError(ctx, err)
			return fmt.Errorf("failed to register stream %q: %w", p.id, err)
		}
	}

	sub, err := p.stream.Subscribe(ctx, p.id, p.onEvent, p.cfg.subOpts...)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to subscribe to stream %q: %w", p.id, err)
	}
	p.sub = sub
	p.lastEventAt = p.cfg.clock()

	p.log.Info("projection started",
		"projection", p.id,
		"event_types", len(p.handlers),
	)
	return nil
}

// Stop leaves the stream's consumer group. An in-flight handler finishes
// and its checkpoint saves before the consumer disconnects. Stopping an
// unstarted projection is a no-op.
func (p *Projection[S]) Stop(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, p.cfg.tracer, "projection.Stop",
		observability.AttrProjection.String(p.id))
	defer span.End()

	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Stop(ctx); err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to stop subscription for %q: %w", p.id, err)
	}

	p.log.Info("projection stopped", "projection", p.id)
	return nil
}

// HealthCheck reports whether the subscription is active.
func (p *Projection[S]) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub == nil {
		return fmt.Errorf("projection %q not subscribed", p.id)
	}
	return nil
}

// WaitUntilSettled blocks until no event has arrived for the quiet
// duration, or ctx is done. Tests and batch jobs use it to drain the
// stream before asserting on read-model state.
func (p *Projection[S]) WaitUntilSettled(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(p.cfg.settlePollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		last := p.lastEventAt
		p.mu.Unlock()

		if p.cfg.clock().Sub(last) >= quiet {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// onEvent processes one delivered event. A returned error puts the event
// back on the subscriber's redelivery schedule; nil acknowledges it.
func (p *Projection[S]) onEvent(ctx context.Context, ev *arque.Event) error {
	p.touch()

	handle, ok := p.handlers[ev.Type]
	if !ok {
		// Routed here by a registration wider than the handler set,
		// typically after a deploy that removed a handler.
		err := &arque.HandlerMissingError{Kind: arque.EventHandlerKind, Type: ev.Type}
		p.cfg.metrics.RecordProjection(ctx, p.id, err)
		p.log.Warn("dropping event without handler",
			"projection", p.id,
			"event_type", ev.Type,
			"aggregate_id", ev.Aggregate.ID,
		)
		return nil
	}

	cp := arque.Checkpoint{
		Projection: p.id,
		Aggregate:  ev.Aggregate,
		Timestamp:  ev.Timestamp,
	}
	process, err := p.store.ShouldProcess(ctx, cp)
	if err != nil {
		return fmt.Errorf("failed to check checkpoint for %q: %w", p.id, err)
	}
	if !process {
		p.cfg.metrics.RecordProjectionDuplicate(ctx, p.id)
		p.log.Debug("skipping already processed event",
			"projection", p.id,
			"aggregate_id", ev.Aggregate.ID,
			"aggregate_version", ev.Aggregate.Version,
		)
		return nil
	}

	hctx, span := observability.StartSpan(ctx, p.cfg.tracer, "projection.handle",
		observability.AttrProjection.String(p.id),
		observability.AttrEventType.Int64(int64(ev.Type)))

	err = handle(hctx, p.state, ev)
	p.cfg.metrics.RecordProjection(hctx, p.id, err)
	if err != nil {
		observability.EndSpan(span, err)
		return fmt.Errorf("failed to apply event type %d in projection %q: %w", ev.Type, p.id, err)
	}

	err = p.store.SaveCheckpoint(hctx, cp)
	observability.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %q: %w", p.id, err)
	}

	p.cfg.metrics.RecordProjectionLag(ctx, p.id, p.cfg.clock().Sub(ev.Timestamp).Seconds())
	return nil
}

func (p *Projection[S]) touch() {
	p.mu.Lock()
	p.lastEventAt = p.cfg.clock()
	p.mu.Unlock()
}

// eventTypes returns the distinct handled types, sorted for a stable
// registration payload.
func (p *Projection[S]) eventTypes() []uint32 {
	types := make([]uint32, 0, len(p.handlers))
	for typ := range p.handlers {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}

var _ runner.Service = (*Projection[struct{}])(nil)
var _ runner.HealthChecker = (*Projection[struct{}])(nil)
