package arque

import (
	"context"
	"hash/fnv"

	"github.com/arqueio/arque/pkg/retry"
)

// DefaultPrefix is the default topic prefix. A stream named "main" maps to
// the topic "arque.main"; the consumer group id equals the topic name, so
// all subscribers of one stream share a group.
const DefaultPrefix = "arque"

// DefaultPartitions is the default partition count per topic.
const DefaultPartitions = 8

// Batch addresses a set of events at one subscriber stream.
type Batch struct {
	Stream string
	Events []*Event
}

// RawBatch addresses already-encoded frames at one subscriber stream.
// Frames move verbatim; the transport peeks the frame envelope only for the
// event id and partition key.
type RawBatch struct {
	Stream string
	Frames [][]byte
}

// EventHandler consumes a decoded event. A non-nil error triggers the
// subscriber's retry schedule and, once exhausted, redelivery.
type EventHandler func(ctx context.Context, event *Event) error

// RawHandler consumes an encoded frame without decoding it.
type RawHandler func(ctx context.Context, frame []byte) error

// Subscriber is a handle to an active subscription.
type Subscriber interface {
	// Stop disconnects gracefully: the in-flight handler runs to
	// completion before the consumer leaves the group.
	Stop(ctx context.Context) error
}

// StreamAdapter is the transport contract: per-key ordered publish and
// subscribe over named streams, in decoded or raw mode.
//
// Implementations are long-lived, shared across the process and internally
// thread-safe. Producers publish idempotently, so send retries do not
// duplicate events within one producer epoch; duplicates across epochs
// remain possible, which is why projections checkpoint.
type StreamAdapter interface {
	// SendEvents encodes and publishes each batch to its stream's topic.
	// Events sharing a partition key are delivered in send order.
	SendEvents(ctx context.Context, batches []Batch) error

	// SendRaw publishes pre-encoded frames verbatim.
	SendRaw(ctx context.Context, batches []RawBatch) error

	// Subscribe joins the stream's consumer group and delivers decoded
	// events to h, in order per partition.
	Subscribe(ctx context.Context, stream string, h EventHandler, opts ...SubscribeOption) (Subscriber, error)

	// SubscribeRaw joins the stream's consumer group and delivers encoded
	// frames to h, in order per partition.
	SubscribeRaw(ctx context.Context, stream string, h RawHandler, opts ...SubscribeOption) (Subscriber, error)

	// Close stops all subscriptions and releases the adapter's resources.
	Close() error
}

// SubscribeConfig holds resolved subscription options.
type SubscribeConfig struct {
	// Retry schedules handler redelivery attempts before the message goes
	// back to the transport.
	Retry retry.Policy
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeConfig)

// NewSubscribeConfig applies opts over the defaults.
func NewSubscribeConfig(opts ...SubscribeOption) SubscribeConfig {
	cfg := SubscribeConfig{
		Retry: retry.SubscribePolicy(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithSubscribeRetry replaces the handler retry schedule.
func WithSubscribeRetry(p retry.Policy) SubscribeOption {
	return func(c *SubscribeConfig) {
		c.Retry = p
	}
}

// WithRetryFilter restricts which handler errors are retried. Errors the
// filter rejects are fatal for the delivery: they are logged and the
// message is not redelivered.
func WithRetryFilter(f func(error) bool) SubscribeOption {
	return func(c *SubscribeConfig) {
		c.Retry.Retryable = f
	}
}

// Topic returns the transport topic for a stream under the given prefix.
func Topic(prefix, stream string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + stream
}

// Partition maps a partition key to a partition in [0, partitions).
// A nil or empty key maps to the neutral partition 0, so unkeyed events
// share one ordered lane.
func Partition(key []byte, partitions int) int {
	if partitions <= 1 || len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(partitions))
}
