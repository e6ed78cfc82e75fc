// Package redis provides a StreamAdapter backed by Redis Streams. Each
// topic partition is one stream key with a consumer group per topic, so
// subscribers share deliveries with at-least-once semantics. Publishing
// is made idempotent with a SET NX marker per event id.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/codec"
)

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("stream adapter closed")

// dedupeWindow bounds how long a published event id blocks republishing.
const dedupeWindow = 2 * time.Minute

// client captures the subset of go-redis commands the adapter relies on,
// for easier testing.
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

type streamConfig struct {
	client         redis.UniversalClient
	addr           string
	username       string
	password       string
	db             int
	prefix         string
	partitions     int
	blockTimeout   time.Duration
	readCount      int64
	minReadBackoff time.Duration
	maxReadBackoff time.Duration
	claimMinIdle   time.Duration
	claimInterval  time.Duration
	logger         *slog.Logger
}

func defaultStreamConfig() streamConfig {
	return streamConfig{
		addr:           "127.0.0.1:6379",
		prefix:         arque.DefaultPrefix,
		partitions:     arque.DefaultPartitions,
		blockTimeout:   5 * time.Second,
		readCount:      10,
		minReadBackoff: 100 * time.Millisecond,
		maxReadBackoff: 5 * time.Second,
		claimMinIdle:   30 * time.Second,
		claimInterval:  30 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the adapter.
type Option func(*streamConfig)

// WithClient uses an existing client instead of dialing. The caller keeps
// ownership; Close will not close it.
func WithClient(c redis.UniversalClient) Option {
	return func(cfg *streamConfig) {
		cfg.client = c
	}
}

// WithAddr sets the server address to connect to.
func WithAddr(addr string) Option {
	return func(cfg *streamConfig) {
		cfg.addr = addr
	}
}

// WithUsername sets the connection username.
func WithUsername(username string) Option {
	return func(cfg *streamConfig) {
		cfg.username = username
	}
}

// WithPassword sets the connection password.
func WithPassword(password string) Option {
	return func(cfg *streamConfig) {
		cfg.password = password
	}
}

// WithDB selects the logical database.
func WithDB(db int) Option {
	return func(cfg *streamConfig) {
		cfg.db = db
	}
}

// WithPrefix overrides the topic prefix.
func WithPrefix(prefix string) Option {
	return func(cfg *streamConfig) {
		cfg.prefix = prefix
	}
}

// WithPartitions sets the partition count for topics this adapter uses.
// Changing the count for an existing topic is not supported.
func WithPartitions(n int) Option {
	return func(cfg *streamConfig) {
		if n > 0 {
			cfg.partitions = n
		}
	}
}

// WithBlockTimeout sets how long a read blocks waiting for entries.
func WithBlockTimeout(d time.Duration) Option {
	return func(cfg *streamConfig) {
		if d > 0 {
			cfg.blockTimeout = d
		}
	}
}

// WithReadCount sets the max entries fetched per read.
func WithReadCount(n int64) Option {
	return func(cfg *streamConfig) {
		if n > 0 {
			cfg.readCount = n
		}
	}
}

// WithReadBackoff bounds the backoff applied after read errors.
func WithReadBackoff(min, max time.Duration) Option {
	return func(cfg *streamConfig) {
		if min > 0 {
			cfg.minReadBackoff = min
		}
		if max > 0 {
			cfg.maxReadBackoff = max
		}
	}
}

// WithClaimMinIdle sets how long a pending entry must sit unacked before
// another consumer may claim it.
func WithClaimMinIdle(d time.Duration) Option {
	return func(cfg *streamConfig) {
		if d > 0 {
			cfg.claimMinIdle = d
			cfg.claimInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(cfg *streamConfig) {
		if log != nil {
			cfg.logger = log
		}
	}
}

// Stream is a Redis Streams implementation of arque.StreamAdapter.
type Stream struct {
	cfg       streamConfig
	log       *slog.Logger
	client    client
	ownClient bool

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// New connects to the server and returns an adapter. Consumer groups are
// created lazily on subscribe.
func New(opts ...Option) (*Stream, error) {
	cfg := defaultStreamConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cl client
	own := false
	if cfg.client != nil {
		cl = cfg.client
	} else {
		cl = redis.NewClient(&redis.Options{
			Addr:     cfg.addr,
			Username: cfg.username,
			Password: cfg.password,
			DB:       cfg.db,
		})
		own = true
	}

	return &Stream{
		cfg:       cfg,
		log:       cfg.logger,
		client:    cl,
		ownClient: own,
		subs:      make(map[*subscriber]struct{}),
	}, nil
}

func partitionKey(topic string, partition int) string {
	return fmt.Sprintf("%s.p%d", topic, partition)
}

func dedupeKey(topic, eventID string) string {
	return topic + ":dedupe:" + eventID
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

// SendRaw publishes already-encoded frames. A SET NX marker per event id
// suppresses republishing within the dedupe window; the partition key
// picks the stream key, keeping per-key order.
func (s *Stream) SendRaw(ctx context.Context, batches []arque.RawBatch) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	for _, b := range batches {
		topic := arque.Topic(s.cfg.prefix, b.Stream)
		for _, frame := range b.Frames {
			env, err := codec.Peek(frame)
			if err != nil {
				return fmt.Errorf("failed to peek frame for stream %q: %w", b.Stream, err)
			}

			marker := dedupeKey(topic, env.ID.Hex())
			fresh, err := s.client.SetNX(ctx, marker, 1, dedupeWindow).Result()
			if err != nil {
				return arque.Transient(arque.TransportTransient,
					fmt.Errorf("failed to mark event %s: %w", env.ID, err))
			}
			if !fresh {
				s.log.Debug("skipping duplicate publish",
					"topic", topic,
					"event_id", env.ID,
				)
				continue
			}

			key := partitionKey(topic, arque.Partition(env.PartitionKey, s.cfg.partitions))
			err = s.client.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				Values: map[string]interface{}{
					"id":    env.ID.Hex(),
					"frame": frame,
				},
			}).Err()
			if err != nil {
				// Clear the marker so a send retry is not treated as a
				// duplicate of an append that never happened.
				if derr := s.client.Del(ctx, marker).Err(); derr != nil {
					s.log.Warn("failed to clear dedupe marker",
						"key", marker,
						"error", derr,
					)
				}
				return arque.Transient(arque.TransportTransient,
					fmt.Errorf("failed to append to %s: %w", key, err))
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

// SubscribeRaw joins the stream's consumer group with one read loop per
// partition. Entries are acked only after the handler succeeds; entries
// left pending by a dead consumer are claimed back once their idle time
// passes the claim threshold.
func (s *Stream) SubscribeRaw(ctx context.Context, stream string, h arque.RawHandler, opts ...arque.SubscribeOption) (arque.Subscriber, error) {
	if h == nil {
		return nil, errors.New("handler must not be nil")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	topic := arque.Topic(s.cfg.prefix, stream)
	group := topic
	cfg := arque.NewSubscribeConfig(opts...)

	for i := 0; i < s.cfg.partitions; i++ {
		if err := s.ensureGroup(ctx, partitionKey(topic, i), group); err != nil {
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{stream: s, cancel: cancel}
	consumer := "consumer-" + uuid.NewString()

	for i := 0; i < s.cfg.partitions; i++ {
		sub.wg.Add(1)
		go s.readLoop(loopCtx, &sub.wg, partitionKey(topic, i), group, consumer, cfg, h)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		sub.wg.Wait()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// ensureGroup creates the consumer group at the start of the stream,
// creating the stream itself when missing. An existing group is fine.
func (s *Stream) ensureGroup(ctx context.Context, key, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("failed to create group %s on %s: %w", group, key, err)
}

func (s *Stream) readLoop(ctx context.Context, wg *sync.WaitGroup, key, group, consumer string, cfg arque.SubscribeConfig, h arque.RawHandler) {
	defer wg.Done()

	backoff := s.cfg.minReadBackoff
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastClaim) >= s.cfg.claimInterval {
			lastClaim = time.Now()
			if !s.claimStale(ctx, key, group, consumer, cfg, h) {
				return
			}
		}

		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    s.cfg.readCount,
			Block:    s.cfg.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("read failed, backing off",
				"stream", key,
				"backoff", backoff,
				"error", err,
			)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > s.cfg.maxReadBackoff {
				backoff = s.cfg.maxReadBackoff
			}
			continue
		}
		backoff = s.cfg.minReadBackoff

		for _, sr := range res {
			for _, entry := range sr.Messages {
				if !s.processEntry(ctx, sr.Stream, group, entry, cfg, h) {
					return
				}
			}
		}
	}
}

// claimStale takes over pending entries whose consumer stopped acking.
// Returns false when the loop should exit.
func (s *Stream) claimStale(ctx context.Context, key, group, consumer string, cfg arque.SubscribeConfig, h arque.RawHandler) bool {
	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: consumer,
			MinIdle:  s.cfg.claimMinIdle,
			Start:    start,
			Count:    s.cfg.readCount,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.log.Warn("claim failed", "stream", key, "error", err)
			return true
		}

		for _, entry := range msgs {
			if !s.processEntry(ctx, key, group, entry, cfg, h) {
				return false
			}
		}
		if len(msgs) == 0 || next == "0-0" {
			return true
		}
		start = next
	}
}

// processEntry runs the handler for one entry, acking on success and on
// errors the retry filter rejects. Retryable failures redeliver in place
// under the subscription's backoff schedule. Returns false when the loop
// should exit.
func (s *Stream) processEntry(ctx context.Context, key, group string, entry redis.XMessage, cfg arque.SubscribeConfig, h arque.RawHandler) bool {
	frame, err := decodeFrame(entry)
	if err != nil {
		s.log.Error("dropping malformed stream entry",
			"stream", key,
			"entry", entry.ID,
			"error", err,
		)
		s.ack(ctx, key, group, entry.ID)
		return true
	}

	for attempt := 0; ; {
		err := h(context.Background(), frame)
		if err == nil {
			s.ack(ctx, key, group, entry.ID)
			return true
		}
		if !cfg.Retry.ShouldRetry(err) {
			s.log.Error("dropping frame after non-retryable handler error",
				"stream", key,
				"error", err,
			)
			s.ack(ctx, key, group, entry.ID)
			return true
		}

		attempt++
		capped := attempt
		if limit := cfg.Retry.MaxAttempts; limit > 0 && capped > limit {
			capped = limit
		}
		delay := cfg.Retry.Backoff(capped)
		s.log.Warn("handler failed, redelivering",
			"stream", key,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
	}
}

func (s *Stream) ack(ctx context.Context, key, group, id string) {
	if err := s.client.XAck(ctx, key, group, id).Err(); err != nil {
		s.log.Warn("failed to ack entry", "stream", key, "entry", id, "error", err)
	}
}

// Close stops every subscription and, when the adapter dialed its own
// client, closes it.
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
		sub.stop()
	}
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

type subscriber struct {
	stream *Stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Stop cancels the read loops and waits for the in-flight handler to
// finish. Unacked entries stay pending and are claimed by the next
// consumer once idle long enough.
func (s *subscriber) Stop(ctx context.Context) error {
	s.stream.mu.Lock()
	delete(s.stream.subs, s)
	s.stream.mu.Unlock()
	s.stop()
	return nil
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func decodeFrame(entry redis.XMessage) ([]byte, error) {
	raw, ok := entry.Values["frame"]
	if !ok {
		return nil, errors.New("entry has no frame field")
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("frame field has type %T", raw)
	}
	return []byte(text), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ arque.StreamAdapter = (*Stream)(nil)
