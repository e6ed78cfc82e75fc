// Package memory provides an in-process StreamAdapter. Topics live in
// maps, partitions are buffered channels with one dispatch goroutine
// each, and all subscribers of a topic form a single consumer group, so
// every frame is delivered to exactly one of them. It is intended for
// tests and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/codec"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrClosed is returned by operations on an adapter after Close.
var ErrClosed = errors.New("stream adapter is closed")

const (
	defaultBuffer     = 1024
	defaultDedupeSize = 8192
	defaultDedupeAge  = 2 * time.Minute
)

type streamConfig struct {
	prefix     string
	partitions int
	buffer     int
	logger     *slog.Logger
}

// Option configures the in-memory stream adapter.
type Option func(*streamConfig)

func defaultStreamConfig() streamConfig {
	return streamConfig{
		prefix:     arque.DefaultPrefix,
		partitions: arque.DefaultPartitions,
		buffer:     defaultBuffer,
		logger:     slog.Default(),
	}
}

// WithPrefix overrides the topic prefix.
func WithPrefix(prefix string) Option {
	return func(c *streamConfig) {
		c.prefix = prefix
	}
}

// WithPartitions sets the number of partitions per topic.
func WithPartitions(n int) Option {
	return func(c *streamConfig) {
		if n > 0 {
			c.partitions = n
		}
	}
}

// WithBuffer sets the per-partition frame buffer. Senders block once the
// buffer is full.
func WithBuffer(n int) Option {
	return func(c *streamConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithLogger sets the logger used for delivery warnings.
func WithLogger(log *slog.Logger) Option {
	return func(c *streamConfig) {
		if log != nil {
			c.logger = log
		}
	}
}

// Stream is an in-process stream adapter.
//
// Example usage:
//
//	bus := memory.New(memory.WithPartitions(4))
//	defer bus.Close()
//
//	sub, err := bus.Subscribe(ctx, "balances", func(ctx context.Context, ev *arque.Event) error {
//	    return apply(ev)
//	})
type Stream struct {
	cfg streamConfig
	log *slog.Logger

	mu      sync.Mutex
	topics  map[string]*topic
	closed  bool
	closing chan struct{}
}

// New creates an in-memory stream adapter.
func New(opts ...Option) *Stream {
	cfg := defaultStreamConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Stream{
		cfg:     cfg,
		log:     cfg.logger,
		topics:  make(map[string]*topic),
		closing: make(chan struct{}),
	}
}

type topic struct {
	name  string
	parts []*partition
	dedup *expirable.LRU[string, struct{}]
}

func (s *Stream) getTopic(stream string) (*topic, error) {
	name := arque.Topic(s.cfg.prefix, stream)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.topics[name]; ok {
		return t, nil
	}

	t := &topic{
		name:  name,
		parts: make([]*partition, s.cfg.partitions),
		dedup: expirable.NewLRU[string, struct{}](defaultDedupeSize, nil, defaultDedupeAge),
	}
	for i := range t.parts {
		p := newPartition(s.cfg.buffer)
		t.parts[i] = p
		go p.run(s, t.name, i)
	}
	s.topics[name] = t
	return t, nil
}

// SendEvents encodes and publishes each batch to its stream's topic.
// Events whose id was published recently are skipped.
func (s *Stream) SendEvents(ctx context.Context, batches []arque.Batch) error {
	for _, b := range batches {
		raw := arque.RawBatch{Stream: b.Stream, Frames: make([][]byte, 0, len(b.Events))}
		for _, ev := range b.Events {
			frame, err := codec.EncodeEvent(ev)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
			}
			raw.Frames = append(raw.Frames, frame)
		}
		if err := s.SendRaw(ctx, []arque.RawBatch{raw}); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw publishes already-encoded frames. Each frame is routed to a
// partition by its partition key; frames with a recently seen event id
// are dropped to keep publishing idempotent.
func (s *Stream) SendRaw(ctx context.Context, batches []arque.RawBatch) error {
	for _, b := range batches {
		t, err := s.getTopic(b.Stream)
		if err != nil {
			return err
		}
		for _, frame := range b.Frames {
			env, err := codec.Peek(frame)
			if err != nil {
				return fmt.Errorf("failed to peek frame for stream %q: %w", b.Stream, err)
			}
			if _, dup := t.dedup.Get(env.ID.Hex()); dup {
				s.log.Debug("skipping duplicate publish",
					"topic", t.name,
					"event_id", env.ID,
				)
				continue
			}
			p := t.parts[arque.Partition(env.PartitionKey, len(t.parts))]

			select {
			case p.frames <- frame:
				t.dedup.Add(env.ID.Hex(), struct{}{})
			case <-s.closing:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe joins the stream's consumer group with a decoded handler.
// Frames that fail to decode are logged and dropped.
func (s *Stream) Subscribe(ctx context.Context, stream string, h arque.EventHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	raw := func(ctx context.Context, frame []byte) error {
		ev, err := codec.DecodeEvent(frame)
		if err != nil {
			s.log.Error("dropping undecodable frame",
				"stream", stream,
				"error", err,
			)
			return nil
		}
		return h(ctx, ev)
	}
	return s.SubscribeRaw(ctx, stream, raw, opts...)
}

// SubscribeRaw joins the stream's consumer group with a raw frame
// handler. Handler errors trigger redelivery under the subscription's
// retry policy; once the schedule is exhausted redelivery keeps going at
// the maximum delay, holding back the partition until the handler
// recovers. Errors rejected by the retry filter drop the frame.
func (s *Stream) SubscribeRaw(ctx context.Context, stream string, h arque.RawHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	if h == nil {
		return nil, errors.New("subscribe requires a handler")
	}
	t, err := s.getTopic(stream)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		handler: h,
		cfg:     arque.NewSubscribeConfig(opts...),
	}
	for _, p := range t.parts {
		p.attach(sub)
	}
	return &subscriber{topic: t, sub: sub}, nil
}

// Close stops all dispatchers and unblocks pending sends. Frames still
// buffered are discarded.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	topics := s.topics
	s.mu.Unlock()

	for _, t := range topics {
		for _, p := range t.parts {
			p.close()
		}
	}
	return nil
}

type subscription struct {
	handler arque.RawHandler
	cfg     arque.SubscribeConfig
}

type subscriber struct {
	topic *topic
	sub   *subscription
	once  sync.Once
}

// Stop detaches the subscription from every partition. A handler
// invocation already in flight is allowed to finish.
func (s *subscriber) Stop(ctx context.Context) error {
	s.once.Do(func() {
		for _, p := range s.topic.parts {
			p.detach(s.sub)
		}
	})
	return nil
}

type partition struct {
	frames chan []byte

	mu     sync.Mutex
	cond   *sync.Cond
	subs   []*subscription
	rr     int
	closed bool
}

func newPartition(buffer int) *partition {
	p := &partition{frames: make(chan []byte, buffer)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *partition) attach(sub *subscription) {
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *partition) detach(sub *subscription) {
	p.mu.Lock()
	for i, existing := range p.subs {
		if existing == sub {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *partition) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// pick blocks until a subscription is attached or the partition closes.
func (p *partition) pick() *subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.subs) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	sub := p.subs[p.rr%len(p.subs)]
	p.rr++
	return sub
}

func (p *partition) run(s *Stream, topic string, index int) {
	for {
		select {
		case frame := <-p.frames:
			if !p.deliver(s, topic, index, frame) {
				return
			}
		case <-s.closing:
			return
		}
	}
}

// deliver hands the frame to one group member, redelivering on handler
// error. It returns false when the adapter is closing.
func (p *partition) deliver(s *Stream, topic string, index int, frame []byte) bool {
	for attempt := 0; ; {
		sub := p.pick()
		if sub == nil {
			return false
		}

		err := sub.handler(context.Background(), frame)
		if err == nil {
			return true
		}
		if !sub.cfg.Retry.ShouldRetry(err) {
			s.log.Error("dropping frame after non-retryable handler error",
				"topic", topic,
				"partition", index,
				"error", err,
			)
			return true
		}

		attempt++
		capped := attempt
		if limit := sub.cfg.Retry.MaxAttempts; limit > 0 && capped > limit {
			capped = limit
		}
		delay := sub.cfg.Retry.Backoff(capped)
		s.log.Warn("handler failed, redelivering",
			"topic", topic,
			"partition", index,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if !p.pause(s, delay) {
			return false
		}
	}
}

func (p *partition) pause(s *Stream, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.closing:
		return false
	}
}

var _ arque.StreamAdapter = (*Stream)(nil)
