// Package codec implements the wire form of events and the canonical
// encoding of event bodies and metadata values.
//
// Values are encoded as deterministic CBOR. Primitives (nil, booleans,
// integers, floats, strings, byte strings) and compositions of them through
// string-keyed maps and slices encode directly; timestamps encode under the
// standard epoch tag at millisecond precision. Any other Go type must be
// registered with a tag and a serializer pair, mirroring how adapters stay
// schema-agnostic: the runtime moves opaque bytes, the registry owns their
// meaning.
package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// tagEpochTime is the standard CBOR tag for epoch-based timestamps.
const tagEpochTime = 1

var (
	// ErrUnsupportedType is returned when a value of an unregistered,
	// non-primitive type is marshaled.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrUnknownTag is returned when decoding meets a tag no serializer
	// was registered for.
	ErrUnknownTag = errors.New("unknown tag")
)

// UnsupportedTypeError reports the offending Go type.
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type %s: register a serializer for it", e.Type)
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

// UnknownTagError reports the offending wire tag.
type UnknownTagError struct {
	Tag uint64
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown tag %d: no serializer registered for it", e.Tag)
}

func (e *UnknownTagError) Is(target error) bool {
	return target == ErrUnknownTag
}

// EncodeFunc converts a registered value into a wire-representable value:
// a primitive, a map[string]any, a []any, or another registered type.
type EncodeFunc func(v any) (any, error)

// DecodeFunc rebuilds a registered value from its wire representation.
type DecodeFunc func(v any) (any, error)

type entry struct {
	tag    uint64
	typ    reflect.Type
	encode EncodeFunc
	decode DecodeFunc
}

// Registry is a serializer table mapping Go types to tagged wire
// representations. The zero Registry is not usable; call NewRegistry.
// A Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[uint64]*entry
	byType map[reflect.Type]*entry
}

// NewRegistry returns an empty registry. Timestamps, byte strings and all
// primitives are handled without registration.
func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[uint64]*entry),
		byType: make(map[reflect.Type]*entry),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used when no explicit registry
// is configured.
func Default() *Registry {
	return defaultRegistry
}

// Register binds a Go type (given by prototype's dynamic type) to a wire
// tag and a serializer pair. Tags 0 and 1 are reserved for timestamps.
// Registering a taken tag or type is an error.
func (r *Registry) Register(tag uint64, prototype any, encode EncodeFunc, decode DecodeFunc) error {
	if prototype == nil {
		return errors.New("prototype must not be nil")
	}
	if encode == nil || decode == nil {
		return errors.New("encode and decode must not be nil")
	}
	if tag <= tagEpochTime {
		return fmt.Errorf("tag %d is reserved", tag)
	}

	typ := reflect.TypeOf(prototype)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTag[tag]; ok {
		return fmt.Errorf("tag %d is already registered", tag)
	}
	if _, ok := r.byType[typ]; ok {
		return fmt.Errorf("type %s is already registered", typ)
	}

	e := &entry{tag: tag, typ: typ, encode: encode, decode: decode}
	r.byTag[tag] = e
	r.byType[typ] = e
	return nil
}

// Marshal encodes v into its canonical byte form. Marshaling a nil value
// yields the CBOR null.
func (r *Registry) Marshal(v any) ([]byte, error) {
	w, err := r.toWire(v)
	if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data produced by Marshal. Maps come back as
// map[string]any, arrays as []any, integers as int64, timestamps as UTC
// time.Time at millisecond precision, and registered tags through their
// serializers. Nil or empty input decodes to nil.
func (r *Registry) Unmarshal(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return r.fromWire(v)
}

// MarshalMeta encodes each metadata value canonically, keyed as given.
func (r *Registry) MarshalMeta(meta map[string]any) (map[string][]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(meta))
	for k, v := range meta {
		data, err := r.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode meta %q: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

// UnmarshalMeta decodes each metadata value produced by MarshalMeta.
func (r *Registry) UnmarshalMeta(meta map[string][]byte) (map[string]any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(meta))
	for k, data := range meta {
		v, err := r.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode meta %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// EncodeMeta packs an event metadata map into a single canonical blob,
// suitable for a column or header value. Empty maps encode to nil.
func EncodeMeta(meta map[string][]byte) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := encMode.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta: %w", err)
	}
	return data, nil
}

// DecodeMeta unpacks a blob produced by EncodeMeta. Nil or empty input
// decodes to a nil map.
func DecodeMeta(data []byte) (map[string][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string][]byte
	if err := decMode.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return meta, nil
}

func (r *Registry) toWire(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x, nil
	case []byte:
		return x, nil
	case time.Time:
		// Millisecond precision on the wire.
		return cbor.Tag{Number: tagEpochTime, Content: float64(x.UnixMilli()) / 1e3}, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			w, err := r.toWire(vv)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			w, err := r.toWire(vv)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}

	typ := reflect.TypeOf(v)
	r.mu.RLock()
	e, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedTypeError{Type: typ}
	}

	inner, err := e.encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
	}
	wire, err := r.toWire(inner)
	if err != nil {
		return nil, err
	}
	return cbor.Tag{Number: e.tag, Content: wire}, nil
}

func (r *Registry) fromWire(v any) (any, error) {
	switch x := v.(type) {
	case cbor.Tag:
		return r.tagFromWire(x)
	case time.Time:
		// The decoder resolves standard time tags itself.
		return x.Round(time.Millisecond).UTC(), nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			w, err := r.fromWire(vv)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			w, err := r.fromWire(vv)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case uint64:
		// Normalize so integers round-trip as int64 regardless of sign.
		if x <= math.MaxInt64 {
			return int64(x), nil
		}
		return x, nil
	default:
		return x, nil
	}
}

func (r *Registry) tagFromWire(t cbor.Tag) (any, error) {
	if t.Number == tagEpochTime {
		return epochFromWire(t.Content)
	}

	r.mu.RLock()
	e, ok := r.byTag[t.Number]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTagError{Tag: t.Number}
	}

	inner, err := r.fromWire(t.Content)
	if err != nil {
		return nil, err
	}
	out, err := e.decode(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tag %d: %w", t.Number, err)
	}
	return out, nil
}

func epochFromWire(content any) (any, error) {
	switch c := content.(type) {
	case float64:
		return time.UnixMilli(int64(math.Round(c * 1e3))).UTC(), nil
	case int64:
		return time.Unix(c, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(c), 0).UTC(), nil
	}
	return nil, fmt.Errorf("invalid epoch time content %T", content)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: failed to build encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: failed to build decode mode: %v", err))
	}
}
