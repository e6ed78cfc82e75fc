package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/arqueio/arque/pkg/arque"
)

// FrameVersion is the current wire layout version, carried as the first
// byte of every frame.
const FrameVersion = 1

// ErrFrameVersion is returned when a frame carries an unknown layout
// version.
var ErrFrameVersion = errors.New("unsupported frame version")

// frame is the integer-keyed wire layout of an event. The timestamp is
// unix seconds: sub-second precision is dropped on the wire, so callers
// needing milliseconds must carry them in the body or metadata.
type frame struct {
	ID      []byte            `cbor:"1,keyasint"`
	Type    uint32            `cbor:"2,keyasint"`
	AggID   []byte            `cbor:"3,keyasint"`
	AggVer  uint32            `cbor:"4,keyasint"`
	Body    []byte            `cbor:"5,keyasint,omitempty"`
	Meta    map[string][]byte `cbor:"6,keyasint,omitempty"`
	Seconds uint32            `cbor:"7,keyasint"`
}

// Envelope is the cheaply-peekable part of a frame: enough for the broker
// to route and for transports to partition and deduplicate without a full
// decode.
type Envelope struct {
	ID           arque.EventID
	Type         uint32
	PartitionKey []byte
}

// EncodeEvent serializes an event into a framed, versioned binary form.
func EncodeEvent(ev *arque.Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("event must not be nil")
	}

	f := frame{
		ID:      ev.ID.Bytes(),
		Type:    ev.Type,
		AggID:   ev.Aggregate.ID.Bytes(),
		AggVer:  ev.Aggregate.Version,
		Body:    ev.Body,
		Meta:    ev.Meta,
		Seconds: uint32(ev.Timestamp.Unix()),
	}

	payload, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event frame: %w", err)
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, FrameVersion)
	return append(out, payload...), nil
}

// DecodeEvent parses a frame produced by EncodeEvent. The event timestamp
// comes back at second precision, in UTC.
func DecodeEvent(data []byte) (*arque.Event, error) {
	payload, err := framePayload(data)
	if err != nil {
		return nil, err
	}

	var f frame
	if err := decMode.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("failed to decode event frame: %w", err)
	}

	id, err := arque.EventIDFromBytes(f.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode event frame: %w", err)
	}
	aggID, err := arque.AggregateIDFromBytes(f.AggID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode event frame: %w", err)
	}

	return &arque.Event{
		ID:        id,
		Type:      f.Type,
		Aggregate: arque.AggregateRef{ID: aggID, Version: f.AggVer},
		Body:      f.Body,
		Meta:      f.Meta,
		Timestamp: time.Unix(int64(f.Seconds), 0).UTC(),
	}, nil
}

// Peek decodes only the envelope fields of a frame.
func Peek(data []byte) (Envelope, error) {
	payload, err := framePayload(data)
	if err != nil {
		return Envelope{}, err
	}

	var p struct {
		ID   []byte            `cbor:"1,keyasint"`
		Type uint32            `cbor:"2,keyasint"`
		Meta map[string][]byte `cbor:"6,keyasint"`
	}
	if err := decMode.Unmarshal(payload, &p); err != nil {
		return Envelope{}, fmt.Errorf("failed to peek event frame: %w", err)
	}

	id, err := arque.EventIDFromBytes(p.ID)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to peek event frame: %w", err)
	}

	return Envelope{
		ID:           id,
		Type:         p.Type,
		PartitionKey: p.Meta[arque.MetaPartitionKey],
	}, nil
}

// PeekType decodes only the event type of a frame.
func PeekType(data []byte) (uint32, error) {
	env, err := Peek(data)
	if err != nil {
		return 0, err
	}
	return env.Type, nil
}

func framePayload(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if data[0] != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrFrameVersion, data[0])
	}
	return data[1:], nil
}
