package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/broker"
	"github.com/arqueio/arque/pkg/codec"
	configmem "github.com/arqueio/arque/pkg/config/memory"
	streammem "github.com/arqueio/arque/pkg/stream/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	evtOpened  uint32 = 201
	evtUpdated uint32 = 202
	evtClosed  uint32 = 203
)

func makeEvent(typ uint32, version uint32, key string) *arque.Event {
	ev := &arque.Event{
		ID:        arque.NewEventID(),
		Type:      typ,
		Aggregate: arque.AggregateRef{ID: arque.NewAggregateID(), Version: version},
		Body:      []byte{0xf6},
		Timestamp: time.Now(),
	}
	if key != "" {
		ev.Meta = map[string][]byte{arque.MetaPartitionKey: []byte(key)}
	}
	return ev
}

func encodeFrame(t *testing.T, typ uint32, version uint32, key string) []byte {
	t.Helper()
	frame, err := codec.EncodeEvent(makeEvent(typ, version, key))
	require.NoError(t, err)
	return frame
}

// collector records decoded deliveries on one subscriber stream.
type collector struct {
	mu    sync.Mutex
	types []uint32
}

func (c *collector) handle(ctx context.Context, ev *arque.Event) error {
	c.mu.Lock()
	c.types = append(c.types, ev.Type)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.types))
	copy(out, c.types)
	return out
}

func TestBrokerFanOut(t *testing.T) {
	ctx := context.Background()
	bus := streammem.New()
	defer bus.Close()
	cfg := configmem.New()

	require.NoError(t, cfg.SaveStream(ctx, arque.StreamRegistration{
		ID:     "accounts-view",
		Events: []uint32{evtOpened, evtUpdated},
	}))
	require.NoError(t, cfg.SaveStream(ctx, arque.StreamRegistration{
		ID:     "audit-log",
		Events: []uint32{evtUpdated, evtClosed},
	}))

	var accounts, audit collector
	subA, err := bus.Subscribe(ctx, "accounts-view", accounts.handle)
	require.NoError(t, err)
	defer subA.Stop(ctx)
	subB, err := bus.Subscribe(ctx, "audit-log", audit.handle)
	require.NoError(t, err)
	defer subB.Stop(ctx)

	b := broker.New(bus, cfg)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	require.NoError(t, bus.SendEvents(ctx, []arque.Batch{
		{Stream: arque.IngressStream, Events: []*arque.Event{
			makeEvent(evtOpened, 1, "acct-1"),
			makeEvent(evtUpdated, 2, "acct-1"),
			makeEvent(evtClosed, 3, "acct-1"),
		}},
	}))

	require.Eventually(t, func() bool {
		return len(accounts.snapshot()) == 2 && len(audit.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Settle to catch duplicate deliveries.
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, []uint32{evtOpened, evtUpdated}, accounts.snapshot(),
		"accounts-view must see its registered types once, in ingress order")
	assert.Equal(t, []uint32{evtUpdated, evtClosed}, audit.snapshot(),
		"audit-log must see its registered types once, in ingress order")
}

func TestBrokerForwardsFramesVerbatim(t *testing.T) {
	ctx := context.Background()
	bus := newRouteStream()
	cfg := configmem.New()
	require.NoError(t, cfg.SaveStream(ctx, arque.StreamRegistration{
		ID:     "accounts-view",
		Events: []uint32{evtOpened},
	}))

	b := broker.New(bus, cfg)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	frame := encodeFrame(t, evtOpened, 1, "acct-1")
	require.NoError(t, bus.deliver(ctx, frame))

	sent := bus.sentBatches()
	require.Len(t, sent, 1)
	assert.Equal(t, "accounts-view", sent[0].Stream)
	require.Len(t, sent[0].Frames, 1)
	assert.Equal(t, frame, sent[0].Frames[0], "the frame must move unmodified")
}

func TestBrokerDropsUnregisteredType(t *testing.T) {
	ctx := context.Background()
	bus := newRouteStream()
	cfg := configmem.New()
	require.NoError(t, cfg.SaveStream(ctx, arque.StreamRegistration{
		ID:     "accounts-view",
		Events: []uint32{evtOpened},
	}))

	b := broker.New(bus, cfg)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	err := bus.deliver(ctx, encodeFrame(t, evtClosed, 1, "acct-1"))
	assert.NoError(t, err, "an unroutable frame is acked, not redelivered")
	assert.Empty(t, bus.sentBatches())
}

func TestBrokerDropsMalformedFrame(t *testing.T) {
	ctx := context.Background()
	bus := newRouteStream()

	b := broker.New(bus, configmem.New())
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	t.Run("garbage", func(t *testing.T) {
		err := bus.deliver(ctx, []byte{0xde, 0xad, 0xbe, 0xef})
		assert.NoError(t, err, "a malformed frame is acked so the partition keeps moving")
	})

	t.Run("unknown frame version", func(t *testing.T) {
		frame := encodeFrame(t, evtOpened, 1, "acct-1")
		frame[0] = 99
		err := bus.deliver(ctx, frame)
		assert.NoError(t, err)
	})

	assert.Empty(t, bus.sentBatches())
}

func TestBrokerFanOutErrorPropagates(t *testing.T) {
	ctx := context.Background()
	bus := newRouteStream()
	bus.sendErr = errors.New("transport down")
	cfg := configmem.New()
	require.NoError(t, cfg.SaveStream(ctx, arque.StreamRegistration{
		ID:     "accounts-view",
		Events: []uint32{evtOpened},
	}))

	b := broker.New(bus, cfg)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	err := bus.deliver(ctx, encodeFrame(t, evtOpened, 1, "acct-1"))
	require.Error(t, err, "a failed fan-out must reach the redelivery loop")
	assert.ErrorContains(t, err, "failed to fan out")
}

func TestBrokerResolveErrorPropagates(t *testing.T) {
	ctx := context.Background()
	bus := newRouteStream()
	lookupErr := errors.New("routing store unavailable")

	b := broker.New(bus, &failingConfig{err: lookupErr})
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	err := bus.deliver(ctx, encodeFrame(t, evtOpened, 1, "acct-1"))
	assert.ErrorIs(t, err, lookupErr)
	assert.Empty(t, bus.sentBatches())
}

func TestBrokerLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := newRouteStream()
	b := broker.New(bus, configmem.New())

	assert.Error(t, b.HealthCheck(ctx), "unstarted broker must report unhealthy")

	require.NoError(t, b.Start(ctx))
	assert.NoError(t, b.HealthCheck(ctx))
	assert.Error(t, b.Start(ctx), "second start must fail")

	require.NoError(t, b.Stop(ctx))
	assert.Error(t, b.HealthCheck(ctx))
	require.NoError(t, b.Stop(ctx), "stop must be idempotent")
	assert.Equal(t, 1, bus.stopCount())
}

// routeStream hands frames straight to the captured raw handler and
// records what the broker sends back out.
type routeStream struct {
	mu      sync.Mutex
	handler arque.RawHandler
	sent    []arque.RawBatch
	stops   int
	sendErr error
}

func newRouteStream() *routeStream {
	return &routeStream{}
}

func (s *routeStream) deliver(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return errors.New("no subscriber attached")
	}
	return h(ctx, frame)
}

func (s *routeStream) sentBatches() []arque.RawBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]arque.RawBatch, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *routeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *routeStream) SendEvents(ctx context.Context, batches []arque.Batch) error {
	return errors.New("not implemented")
}

func (s *routeStream) SendRaw(ctx context.Context, batches []arque.RawBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, batches...)
	return nil
}

func (s *routeStream) Subscribe(ctx context.Context, stream string, h arque.EventHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	return nil, errors.New("not implemented")
}

func (s *routeStream) SubscribeRaw(ctx context.Context, stream string, h arque.RawHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	return &routeSubscriber{stream: s}, nil
}

func (s *routeStream) Close() error {
	return nil
}

type routeSubscriber struct {
	stream *routeStream
}

func (s *routeSubscriber) Stop(ctx context.Context) error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.stream.stops++
	s.stream.handler = nil
	return nil
}

type failingConfig struct {
	err error
}

func (c *failingConfig) SaveStream(ctx context.Context, reg arque.StreamRegistration) error {
	return nil
}

func (c *failingConfig) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	return nil, c.err
}

func (c *failingConfig) Close() error {
	return nil
}

var _ arque.StreamAdapter = (*routeStream)(nil)
var _ arque.ConfigAdapter = (*failingConfig)(nil)
