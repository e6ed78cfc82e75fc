package projection_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/broker"
	"github.com/arqueio/arque/pkg/codec"
	configmem "github.com/arqueio/arque/pkg/config/memory"
	"github.com/arqueio/arque/pkg/projection"
	storemem "github.com/arqueio/arque/pkg/store/memory"
	streammem "github.com/arqueio/arque/pkg/stream/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	evtDeposited uint32 = 301
	evtWithdrawn uint32 = 302
	evtAudited   uint32 = 399
)

func makeDeposit(t *testing.T, id arque.AggregateID, version uint32, amount int64) *arque.Event {
	t.Helper()
	body, err := codec.Default().Marshal(map[string]any{"amount": amount})
	require.NoError(t, err)
	return &arque.Event{
		ID:        arque.NewEventID(),
		Type:      evtDeposited,
		Aggregate: arque.AggregateRef{ID: id, Version: version},
		Body:      body,
		Meta:      map[string][]byte{arque.MetaPartitionKey: id.Bytes()},
		Timestamp: time.Now(),
	}
}

// accountTotals is the read model for the end-to-end test: running
// balance and delivery order per aggregate.
type accountTotals struct {
	mu       sync.Mutex
	totals   map[string]int64
	versions map[string][]uint32
}

func newAccountTotals() *accountTotals {
	return &accountTotals{
		totals:   make(map[string]int64),
		versions: make(map[string][]uint32),
	}
}

func applyDeposit(ctx context.Context, v *accountTotals, ev *arque.Event) error {
	decoded, err := codec.Default().Unmarshal(ev.Body)
	if err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	body, ok := decoded.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected body shape %T", decoded)
	}
	amount, ok := body["amount"].(int64)
	if !ok {
		return fmt.Errorf("unexpected amount %v", body["amount"])
	}

	key := ev.Aggregate.ID.Base64()
	v.mu.Lock()
	v.totals[key] += amount
	v.versions[key] = append(v.versions[key], ev.Aggregate.Version)
	v.mu.Unlock()
	return nil
}

func (v *accountTotals) total(id arque.AggregateID) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totals[id.Base64()]
}

func (v *accountTotals) order(id arque.AggregateID) []uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint32, len(v.versions[id.Base64()]))
	copy(out, v.versions[id.Base64()])
	return out
}

func TestProjectionEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	bus := streammem.New()
	defer bus.Close()
	cfg := configmem.New()

	view := newAccountTotals()
	p := projection.New(store, bus, cfg, "account-totals", view,
		[]projection.Handler[*accountTotals]{
			{Type: evtDeposited, Handle: applyDeposit},
		},
		projection.WithSettlePollInterval(10*time.Millisecond),
	)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	// Registration happens on projection start, so the broker comes up
	// with the route already in place.
	b := broker.New(bus, cfg)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	acctA := arque.NewAggregateID()
	acctB := arque.NewAggregateID()

	var events []*arque.Event
	for v := uint32(1); v <= 5; v++ {
		events = append(events, makeDeposit(t, acctA, v, 10))
	}
	for v := uint32(1); v <= 3; v++ {
		events = append(events, makeDeposit(t, acctB, v, 7))
	}
	require.NoError(t, bus.SendEvents(ctx, []arque.Batch{
		{Stream: arque.IngressStream, Events: events},
	}))

	settleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitUntilSettled(settleCtx, 150*time.Millisecond))

	assert.Equal(t, int64(50), view.total(acctA))
	assert.Equal(t, int64(21), view.total(acctB))
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, view.order(acctA),
		"one aggregate's events must reach the read model in version order")
	assert.Equal(t, []uint32{1, 2, 3}, view.order(acctB))

	covered, err := store.ShouldProcess(ctx, arque.Checkpoint{
		Projection: "account-totals",
		Aggregate:  arque.AggregateRef{ID: acctA, Version: 5},
	})
	require.NoError(t, err)
	assert.False(t, covered, "checkpoint must cover the last processed version")

	next, err := store.ShouldProcess(ctx, arque.Checkpoint{
		Projection: "account-totals",
		Aggregate:  arque.AggregateRef{ID: acctA, Version: 6},
	})
	require.NoError(t, err)
	assert.True(t, next)
}

func TestProjectionRegistersHandledTypes(t *testing.T) {
	ctx := context.Background()
	noop := func(ctx context.Context, state *accountTotals, ev *arque.Event) error { return nil }
	handlers := []projection.Handler[*accountTotals]{
		{Type: evtWithdrawn, Handle: noop},
		{Type: evtDeposited, Handle: noop},
		{Type: evtDeposited, Handle: noop},
	}

	t.Run("registers distinct types", func(t *testing.T) {
		cfg := configmem.New()
		p := projection.New(storemem.New(), newFeedStream(), cfg, "balances", newAccountTotals(), handlers)
		require.NoError(t, p.Start(ctx))
		defer p.Stop(ctx)

		for _, typ := range []uint32{evtDeposited, evtWithdrawn} {
			streams, err := cfg.FindStreams(ctx, typ)
			require.NoError(t, err)
			assert.Equal(t, []string{"balances"}, streams)
		}
		streams, err := cfg.FindStreams(ctx, evtAudited)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})

	t.Run("registration disabled", func(t *testing.T) {
		cfg := configmem.New()
		p := projection.New(storemem.New(), newFeedStream(), cfg, "balances", newAccountTotals(), handlers,
			projection.WithDisableRegistration())
		require.NoError(t, p.Start(ctx))
		defer p.Stop(ctx)

		streams, err := cfg.FindStreams(ctx, evtDeposited)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})
}

func TestProjectionSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	feed := newFeedStream()

	calls := 0
	var mu sync.Mutex
	p := projection.New(store, feed, configmem.New(), "balances", newAccountTotals(),
		[]projection.Handler[*accountTotals]{
			{Type: evtDeposited, Handle: func(ctx context.Context, state *accountTotals, ev *arque.Event) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			}},
		},
	)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	ev := makeDeposit(t, arque.NewAggregateID(), 1, 10)
	require.NoError(t, feed.deliver(ctx, ev))
	require.NoError(t, feed.deliver(ctx, ev), "a duplicate is acked, not an error")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "the duplicate delivery must not reach the handler")
}

func TestProjectionHandlerErrorRedelivered(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	feed := newFeedStream()
	applyErr := errors.New("read model unavailable")

	calls := 0
	var mu sync.Mutex
	p := projection.New(store, feed, configmem.New(), "balances", newAccountTotals(),
		[]projection.Handler[*accountTotals]{
			{Type: evtDeposited, Handle: func(ctx context.Context, state *accountTotals, ev *arque.Event) error {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n == 1 {
					return applyErr
				}
				return nil
			}},
		},
	)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	ev := makeDeposit(t, arque.NewAggregateID(), 1, 10)

	err := feed.deliver(ctx, ev)
	require.ErrorIs(t, err, applyErr, "handler errors must reach the redelivery loop")

	process, err := store.ShouldProcess(ctx, arque.Checkpoint{Projection: "balances", Aggregate: ev.Aggregate})
	require.NoError(t, err)
	assert.True(t, process, "a failed apply must not checkpoint")

	require.NoError(t, feed.deliver(ctx, ev))

	process, err = store.ShouldProcess(ctx, arque.Checkpoint{Projection: "balances", Aggregate: ev.Aggregate})
	require.NoError(t, err)
	assert.False(t, process)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestProjectionDropsUnhandledType(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	feed := newFeedStream()

	p := projection.New(store, feed, configmem.New(), "balances", newAccountTotals(),
		[]projection.Handler[*accountTotals]{
			{Type: evtDeposited, Handle: func(ctx context.Context, state *accountTotals, ev *arque.Event) error {
				return errors.New("must not be called")
			}},
		},
	)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	ev := makeDeposit(t, arque.NewAggregateID(), 1, 10)
	ev.Type = evtAudited

	assert.NoError(t, feed.deliver(ctx, ev), "an unhandled type is acked so the partition keeps moving")

	process, err := store.ShouldProcess(ctx, arque.Checkpoint{Projection: "balances", Aggregate: ev.Aggregate})
	require.NoError(t, err)
	assert.True(t, process, "dropped events must not checkpoint")
}

func TestProjectionCheckpointFailures(t *testing.T) {
	ctx := context.Background()
	applied := func(calls *int, mu *sync.Mutex) projection.Handler[*accountTotals] {
		return projection.Handler[*accountTotals]{
			Type: evtDeposited,
			Handle: func(ctx context.Context, state *accountTotals, ev *arque.Event) error {
				mu.Lock()
				*calls++
				mu.Unlock()
				return nil
			},
		}
	}

	t.Run("lookup failure propagates", func(t *testing.T) {
		store := &flakyCheckpointStore{StoreAdapter: storemem.New()}
		lookupErr := errors.New("checkpoint table locked")
		store.failShouldProcess(lookupErr)
		feed := newFeedStream()

		var mu sync.Mutex
		calls := 0
		p := projection.New(store, feed, configmem.New(), "balances", newAccountTotals(),
			[]projection.Handler[*accountTotals]{applied(&calls, &mu)})
		require.NoError(t, p.Start(ctx))
		defer p.Stop(ctx)

		ev := makeDeposit(t, arque.NewAggregateID(), 1, 10)
		assert.ErrorIs(t, feed.deliver(ctx, ev), lookupErr)

		mu.Lock()
		assert.Equal(t, 0, calls, "the handler must not run before the dedupe check")
		mu.Unlock()

		// The injected failure is one-shot, so redelivery succeeds.
		require.NoError(t, feed.deliver(ctx, ev))
	})

	t.Run("checkpoint write failure reruns the handler", func(t *testing.T) {
		store := &flakyCheckpointStore{StoreAdapter: storemem.New()}
		saveErr := errors.New("checkpoint write failed")
		store.failSaveCheckpoint(saveErr)
		feed := newFeedStream()

		var mu sync.Mutex
		calls := 0
		p := projection.New(store, feed, configmem.New(), "balances", newAccountTotals(),
			[]projection.Handler[*accountTotals]{applied(&calls, &mu)})
		require.NoError(t, p.Start(ctx))
		defer p.Stop(ctx)

		ev := makeDeposit(t, arque.NewAggregateID(), 1, 10)
		assert.ErrorIs(t, feed.deliver(ctx, ev), saveErr)
		require.NoError(t, feed.deliver(ctx, ev))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, calls, "a lost checkpoint means the redelivered event is applied again")
	})
}

func TestProjectionWaitUntilSettled(t *testing.T) {
	ctx := context.Background()

	t.Run("settles once quiet", func(t *testing.T) {
		feed := newFeedStream()
		p := projection.New(storemem.New(), feed, configmem.New(), "balances", newAccountTotals(),
			nil,
			projection.WithSettlePollInterval(10*time.Millisecond))
		require.NoError(t, p.Start(ctx))
		defer p.Stop(ctx)

		settleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, p.WaitUntilSettled(settleCtx, 50*time.Millisecond))
	})

	t.Run("context cancellation preempts", func(t *testing.T) {
		feed := newFeedStream()
		p := projection.New(storemem.New(), feed, configmem.New(), "balances", newAccountTotals(),
			nil,
			projection.WithSettlePollInterval(10*time.Millisecond))
		require.NoError(t, p.Start(ctx))
		defer p.Stop(ctx)

		settleCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := p.WaitUntilSettled(settleCtx, time.Hour)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestProjectionLifecycle(t *testing.T) {
	ctx := context.Background()
	feed := newFeedStream()
	p := projection.New(storemem.New(), feed, configmem.New(), "balances", newAccountTotals(), nil)

	assert.Equal(t, "projection-balances", p.Name())
	assert.Error(t, p.HealthCheck(ctx), "unstarted projection must report unhealthy")

	require.NoError(t, p.Start(ctx))
	assert.NoError(t, p.HealthCheck(ctx))
	assert.Error(t, p.Start(ctx), "second start must fail")

	require.NoError(t, p.Stop(ctx))
	assert.Error(t, p.HealthCheck(ctx))
	require.NoError(t, p.Stop(ctx), "stop must be idempotent")
	assert.Equal(t, 1, feed.stopCount())
}

// feedStream hands decoded events straight to the captured handler.
type feedStream struct {
	mu      sync.Mutex
	handler arque.EventHandler
	stops   int
}

func newFeedStream() *feedStream {
	return &feedStream{}
}

func (s *feedStream) deliver(ctx context.Context, ev *arque.Event) error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return errors.New("no subscriber attached")
	}
	return h(ctx, ev)
}

func (s *feedStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *feedStream) SendEvents(ctx context.Context, batches []arque.Batch) error {
	return errors.New("not implemented")
}

func (s *feedStream) SendRaw(ctx context.Context, batches []arque.RawBatch) error {
	return errors.New("not implemented")
}

func (s *feedStream) Subscribe(ctx context.Context, stream string, h arque.EventHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	return &feedSubscriber{stream: s}, nil
}

func (s *feedStream) SubscribeRaw(ctx context.Context, stream string, h arque.RawHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	return nil, errors.New("not implemented")
}

func (s *feedStream) Close() error {
	return nil
}

type feedSubscriber struct {
	stream *feedStream
}

func (s *feedSubscriber) Stop(ctx context.Context) error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.stream.stops++
	s.stream.handler = nil
	return nil
}

// flakyCheckpointStore injects one-shot checkpoint failures over a real
// store.
type flakyCheckpointStore struct {
	arque.StoreAdapter
	mu        sync.Mutex
	shouldErr error
	saveErr   error
}

func (s *flakyCheckpointStore) failShouldProcess(err error) {
	s.mu.Lock()
	s.shouldErr = err
	s.mu.Unlock()
}

func (s *flakyCheckpointStore) failSaveCheckpoint(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *flakyCheckpointStore) ShouldProcess(ctx context.Context, cp arque.Checkpoint) (bool, error) {
	s.mu.Lock()
	err := s.shouldErr
	s.shouldErr = nil
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.StoreAdapter.ShouldProcess(ctx, cp)
}

func (s *flakyCheckpointStore) SaveCheckpoint(ctx context.Context, cp arque.Checkpoint) error {
	s.mu.Lock()
	err := s.saveErr
	s.saveErr = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.StoreAdapter.SaveCheckpoint(ctx, cp)
}

var _ arque.StreamAdapter = (*feedStream)(nil)
var _ arque.StoreAdapter = (*flakyCheckpointStore)(nil)
