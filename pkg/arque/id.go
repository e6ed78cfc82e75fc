package arque

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventID is a 16-byte ULID. The leading 48 bits are a millisecond
// timestamp, so ids generated by one process sort roughly by creation time.
// It round-trips losslessly through Bytes, Hex and Base64.
type EventID [16]byte

// AggregateIDSize is the fixed width of an aggregate identifier.
const AggregateIDSize = 13

// AggregateID identifies a consistency boundary. Like EventID it carries a
// millisecond timestamp prefix (48 bits) followed by random bytes, so ids
// sort roughly by creation time.
type AggregateID [AggregateIDSize]byte

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

// NewEventID generates a new event id. Ids generated within the same
// millisecond by the same process are strictly increasing.
func NewEventID() EventID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return EventID(id)
}

// EventIDFromBytes parses an event id from its 16-byte representation.
func EventIDFromBytes(b []byte) (EventID, error) {
	var id EventID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid event id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// EventIDFromHex parses an event id from its hex representation.
func EventIDFromHex(s string) (EventID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EventID{}, fmt.Errorf("failed to decode event id hex: %w", err)
	}
	return EventIDFromBytes(b)
}

// EventIDFromBase64 parses an event id from its base64 representation.
func EventIDFromBase64(s string) (EventID, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return EventID{}, fmt.Errorf("failed to decode event id base64: %w", err)
	}
	return EventIDFromBytes(b)
}

// ParseEventID parses the canonical ULID string form produced by String.
func ParseEventID(s string) (EventID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return EventID{}, fmt.Errorf("failed to parse event id: %w", err)
	}
	return EventID(id), nil
}

// Bytes returns the 16-byte representation.
func (id EventID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// Hex returns the lowercase hex representation.
func (id EventID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Base64 returns the unpadded URL-safe base64 representation.
func (id EventID) Base64() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// String returns the canonical 26-character ULID form.
func (id EventID) String() string {
	return ulid.ULID(id).String()
}

// Time returns the timestamp encoded in the id, at millisecond precision.
func (id EventID) Time() time.Time {
	return ulid.Time(ulid.ULID(id).Time())
}

// IsZero reports whether the id is the zero value.
func (id EventID) IsZero() bool {
	return id == EventID{}
}

// NewAggregateID generates a new aggregate id: 6 bytes of big-endian
// unix milliseconds followed by 7 random bytes.
func NewAggregateID() AggregateID {
	var id AggregateID

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))
	copy(id[:6], ts[2:])

	if _, err := crand.Read(id[6:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return id
}

// AggregateIDFromBytes parses an aggregate id from its 13-byte representation.
func AggregateIDFromBytes(b []byte) (AggregateID, error) {
	var id AggregateID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid aggregate id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// AggregateIDFromBase64 parses an aggregate id from the form produced by
// Base64.
func AggregateIDFromBase64(s string) (AggregateID, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return AggregateID{}, fmt.Errorf("failed to decode aggregate id base64: %w", err)
	}
	return AggregateIDFromBytes(b)
}

// Bytes returns the 13-byte representation.
func (id AggregateID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// Base64 returns the unpadded URL-safe base64 representation. This is the
// canonical string form, used as the cache key by the aggregate factory.
func (id AggregateID) Base64() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Time returns the timestamp encoded in the id, at millisecond precision.
func (id AggregateID) Time() time.Time {
	var ts [8]byte
	copy(ts[2:], id[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ts[:])))
}

// IsZero reports whether the id is the zero value.
func (id AggregateID) IsZero() bool {
	return id == AggregateID{}
}

func (id AggregateID) String() string {
	return id.Base64()
}
