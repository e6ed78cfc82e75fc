package arque

import (
	"time"
)

// MetaPartitionKey is the metadata key carrying the partition key. Events
// sharing the same value land on the same transport partition and are
// delivered in order relative to each other.
const MetaPartitionKey = "__ctx"

// IngressStream is the well-known stream every aggregate publishes to.
// The broker is its sole subscriber and fans events out to the streams
// registered for each event type.
const IngressStream = "main"

// AggregateRef names an aggregate at a specific version.
type AggregateRef struct {
	ID      AggregateID
	Version uint32
}

// Event is an immutable fact appended to an aggregate's log.
//
// Version is strictly monotonic per aggregate, starting at 1 with no gaps.
// Body and Meta values are opaque canonical encodings (see pkg/codec); the
// runtime never inspects them except for the partition key.
type Event struct {
	ID        EventID
	Type      uint32
	Aggregate AggregateRef
	Body      []byte
	Meta      map[string][]byte
	Timestamp time.Time
}

// PartitionKey returns the partition key carried in the event metadata,
// or nil when absent.
func (e *Event) PartitionKey() []byte {
	return e.Meta[MetaPartitionKey]
}

// EventDraft describes an event a command handler wants appended. The
// engine assigns the id, version and timestamp and encodes the body.
type EventDraft struct {
	Type uint32
	Body any
	Meta map[string][]byte
}

// EventBatch is an atomic append of one or more events to a single
// aggregate. Aggregate.Version is the version claimed by the first event;
// the caller asserts the log currently ends at Version-1.
type EventBatch struct {
	Aggregate AggregateRef
	Timestamp time.Time
	Events    []*Event
	Meta      map[string][]byte
}

// Snapshot captures the fold of an aggregate's events 1..Version.
type Snapshot struct {
	Aggregate AggregateRef
	State     []byte
	Timestamp time.Time
}

// Checkpoint records the largest version a projection has processed for
// one aggregate. At most one checkpoint exists per (Projection, Aggregate.ID)
// and it only ever advances.
type Checkpoint struct {
	Projection string
	Aggregate  AggregateRef
	Timestamp  time.Time
}

// StreamRegistration declares which event types a subscriber stream wants.
// The broker resolves routing by reverse lookup over these registrations.
type StreamRegistration struct {
	ID        string
	Events    []uint32
	Timestamp time.Time
}
