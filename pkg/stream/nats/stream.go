// Package nats provides a StreamAdapter backed by NATS JetStream. Each
// stream maps to its own JetStream stream with one subject per partition;
// all subscribers of a stream share a durable queue group, so deliveries
// are balanced across processes with at-least-once semantics.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/codec"
)

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("stream adapter closed")

// dedupeWindow is the JetStream duplicate-tracking window. Publishing the
// same event id twice within it is a no-op.
const dedupeWindow = 2 * time.Minute

// Option configures the adapter.
type Option func(*streamConfig)

type streamConfig struct {
	url        string
	conn       *nats.Conn
	prefix     string
	partitions int
	maxAge     time.Duration
	maxBytes   int64
	logger     *slog.Logger
}

func defaultStreamConfig() streamConfig {
	return streamConfig{
		url:        nats.DefaultURL,
		prefix:     arque.DefaultPrefix,
		partitions: arque.DefaultPartitions,
		maxAge:     7 * 24 * time.Hour,
		maxBytes:   1024 * 1024 * 1024,
		logger:     slog.Default(),
	}
}

// WithURL sets the server URL to connect to.
func WithURL(url string) Option {
	return func(c *streamConfig) {
		c.url = url
	}
}

// WithConn uses an existing connection instead of dialing. The caller
// keeps ownership; Close will not close it.
func WithConn(nc *nats.Conn) Option {
	return func(c *streamConfig) {
		c.conn = nc
	}
}

// WithPrefix overrides the topic prefix.
func WithPrefix(prefix string) Option {
	return func(c *streamConfig) {
		c.prefix = prefix
	}
}

// WithPartitions sets the partition count for topics this adapter
// creates. Changing the count for an existing topic is not supported.
func WithPartitions(n int) Option {
	return func(c *streamConfig) {
		if n > 0 {
			c.partitions = n
		}
	}
}

// WithMaxAge bounds how long events are retained server-side.
func WithMaxAge(d time.Duration) Option {
	return func(c *streamConfig) {
		c.maxAge = d
	}
}

// WithMaxBytes bounds the bytes a topic may retain server-side.
func WithMaxBytes(n int64) Option {
	return func(c *streamConfig) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *streamConfig) {
		c.logger = log
	}
}

// Stream is a JetStream-backed implementation of arque.StreamAdapter.
//
// Example usage:
//
//	stream, err := nats.New(nats.WithURL(url))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Close()
type Stream struct {
	cfg      streamConfig
	log      *slog.Logger
	nc       *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu      sync.Mutex
	ensured map[string]bool
	groups  map[string]bool
	subs    map[*subscriber]struct{}
	closed  bool
}

// New connects to the server and returns an adapter. JetStream streams
// are created lazily on first publish or subscribe per topic.
func New(opts ...Option) (*Stream, error) {
	cfg := defaultStreamConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	nc := cfg.conn
	ownsConn := false
	if nc == nil {
		var err error
		nc, err = nats.Connect(cfg.url, nats.Name("arque"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		ownsConn = true
	}

	js, err := nc.JetStream()
	if err != nil {
		if ownsConn {
			nc.Close()
		}
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Stream{
		cfg:      cfg,
		log:      cfg.logger,
		nc:       nc,
		js:       js,
		ownsConn: ownsConn,
		ensured:  make(map[string]bool),
		groups:   make(map[string]bool),
		subs:     make(map[*subscriber]struct{}),
	}, nil
}

// streamName derives a JetStream stream name from a topic. Stream names
// must not contain dots.
func streamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

// ensureTopic creates or updates the JetStream stream backing a topic.
func (s *Stream) ensureTopic(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ensured[topic] {
		return nil
	}

	// Limits retention keeps messages until they age or size out, so a
	// consumer group created after a publish still catches up.
	want := &nats.StreamConfig{
		Name:       streamName(topic),
		Subjects:   []string{topic + ".*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     s.cfg.maxAge,
		MaxBytes:   s.cfg.maxBytes,
		Duplicates: dedupeWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	info, err := s.js.StreamInfo(want.Name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream %s: %w", want.Name, err)
		}
		if _, err := s.js.AddStream(want); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", want.Name, err)
		}
		s.ensured[topic] = true
		return nil
	}

	if info.Config.MaxAge != s.cfg.maxAge || info.Config.MaxBytes != s.cfg.maxBytes {
		if _, err := s.js.UpdateStream(want); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", want.Name, err)
		}
	}
	s.ensured[topic] = true
	return nil
}

// ensureGroup creates the stream's durable consumer when missing. The
// consumer is created outside any subscription so it outlives every
// subscriber: messages keep accumulating for the group while nobody is
// attached, and draining a subscriber never deletes it.
func (s *Stream) ensureGroup(topic, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.groups[group] {
		return nil
	}

	_, err := s.js.ConsumerInfo(streamName(topic), group)
	if err == nil {
		s.groups[group] = true
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up consumer %s: %w", group, err)
	}

	// MaxAckPending 1 serializes the group: the next message is only
	// delivered once the previous one is acked, which preserves publish
	// order across redeliveries.
	_, err = s.js.AddConsumer(streamName(topic), &nats.ConsumerConfig{
		Durable:        group,
		DeliverSubject: nats.NewInbox(),
		DeliverGroup:   group,
		AckPolicy:      nats.AckExplicitPolicy,
		MaxAckPending:  1,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("failed to create consumer %s: %w", group, err)
	}
	s.groups[group] = true
	return nil
}

// SendEvents encodes and publishes each batch to its stream's topic.
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

// SendRaw publishes already-encoded frames. The event id rides along as
// the JetStream message id, so republishing within the dedupe window is
// idempotent. The partition key picks the subject, keeping per-key order.
func (s *Stream) SendRaw(ctx context.Context, batches []arque.RawBatch) error {
	for _, b := range batches {
		topic := arque.Topic(s.cfg.prefix, b.Stream)
		if err := s.ensureTopic(topic); err != nil {
			return err
		}

		for _, frame := range b.Frames {
			env, err := codec.Peek(frame)
			if err != nil {
				return fmt.Errorf("failed to peek frame for stream %q: %w", b.Stream, err)
			}

			subject := fmt.Sprintf("%s.p%d",
				topic, arque.Partition(env.PartitionKey, s.cfg.partitions))

			_, err = s.js.Publish(subject, frame,
				nats.MsgId(env.ID.Hex()),
				nats.Context(ctx),
			)
			if err != nil {
				return arque.Transient(arque.TransportTransient,
					fmt.Errorf("failed to publish to %s: %w", subject, err))
			}
		}
	}
	return nil
}

// Subscribe joins the stream's consumer group with a decoded handler.
// Frames that fail to decode are logged and acked away.
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

// SubscribeRaw joins the stream's durable queue group. Handler failures
// are redelivered by the server on the subscription's backoff schedule;
// errors the retry filter rejects terminate the delivery instead.
func (s *Stream) SubscribeRaw(ctx context.Context, stream string, h arque.RawHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	if h == nil {
		return nil, errors.New("handler must not be nil")
	}

	topic := arque.Topic(s.cfg.prefix, stream)
	if err := s.ensureTopic(topic); err != nil {
		return nil, err
	}

	cfg := arque.NewSubscribeConfig(opts...)
	group := streamName(topic)
	if err := s.ensureGroup(topic, group); err != nil {
		return nil, err
	}

	natsSub, err := s.js.QueueSubscribe(
		topic+".*",
		group,
		func(msg *nats.Msg) {
			s.dispatch(msg, topic, h, cfg)
		},
		nats.Durable(group),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &subscriber{stream: s, sub: natsSub}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		natsSub.Unsubscribe()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// dispatch runs the handler for one delivery and converts the outcome
// into ack, term or delayed nak.
func (s *Stream) dispatch(msg *nats.Msg, topic string, h arque.RawHandler, cfg arque.SubscribeConfig) {
	err := h(context.Background(), msg.Data)
	if err == nil {
		if err := msg.Ack(); err != nil {
			s.log.Warn("failed to ack delivery", "topic", topic, "error", err)
		}
		return
	}

	if !cfg.Retry.ShouldRetry(err) {
		s.log.Error("dropping frame after non-retryable handler error",
			"topic", topic,
			"error", err,
		)
		if err := msg.Term(); err != nil {
			s.log.Warn("failed to terminate delivery", "topic", topic, "error", err)
		}
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	capped := attempt
	if limit := cfg.Retry.MaxAttempts; limit > 0 && capped > limit {
		capped = limit
	}
	delay := cfg.Retry.Backoff(capped)

	s.log.Warn("handler failed, redelivering",
		"topic", topic,
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
	if err := msg.NakWithDelay(delay); err != nil {
		s.log.Warn("failed to nak delivery", "topic", topic, "error", err)
	}
}

// Close stops every subscription and, when the adapter dialed its own
// connection, closes it.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[*subscriber]struct{}{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.detach()
	}
	if s.ownsConn {
		s.nc.Close()
	}
	return nil
}

type subscriber struct {
	stream *Stream
	sub    *nats.Subscription
	once   sync.Once
	err    error
}

// Stop drains the subscription so the in-flight delivery completes, then
// leaves the queue group. The durable consumer itself survives for the
// next subscriber.
func (s *subscriber) Stop(ctx context.Context) error {
	s.once.Do(func() {
		s.stream.mu.Lock()
		delete(s.stream.subs, s)
		s.stream.mu.Unlock()
		s.err = s.sub.Drain()
	})
	return s.err
}

func (s *subscriber) detach() {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
}

var _ arque.StreamAdapter = (*Stream)(nil)
