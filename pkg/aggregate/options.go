package aggregate

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arqueio/arque/pkg/codec"
	"github.com/arqueio/arque/pkg/observability"
	"github.com/arqueio/arque/pkg/retry"
)

const (
	// defaultSnapshotInterval is the version interval between automatic
	// snapshots.
	defaultSnapshotInterval = 20

	// defaultConflictAttempts bounds how many times a command re-runs
	// after a version conflict before the conflict surfaces.
	defaultConflictAttempts = 20
)

type config[S any] struct {
	commandHandlers map[uint32]CommandHandler[S]
	eventHandlers   map[uint32]EventHandler[S]

	snapshotInterval uint32
	shouldSnapshot   func(state S, version uint32) bool

	encodeState func(S) ([]byte, error)
	decodeState func([]byte) (S, error)

	initialVersion uint32
	conflictRetry  retry.Policy

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	clock   func() time.Time
}

func defaultConfig[S any]() *config[S] {
	return &config[S]{
		commandHandlers:  make(map[uint32]CommandHandler[S]),
		eventHandlers:    make(map[uint32]EventHandler[S]),
		snapshotInterval: defaultSnapshotInterval,
		encodeState:      defaultEncodeState[S],
		decodeState:      defaultDecodeState[S],
		conflictRetry:    retry.Policy{MaxAttempts: defaultConflictAttempts},
		logger:           slog.Default(),
		tracer:           noop.NewTracerProvider().Tracer("aggregate"),
		clock:            time.Now,
	}
}

func defaultEncodeState[S any](state S) ([]byte, error) {
	return codec.Default().Marshal(state)
}

func defaultDecodeState[S any](data []byte) (S, error) {
	var zero S
	v, err := codec.Default().Unmarshal(data)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	state, ok := v.(S)
	if !ok {
		return zero, fmt.Errorf("snapshot state decoded to %T, want %T", v, zero)
	}
	return state, nil
}

// Option configures an engine at construction.
type Option[S any] func(*config[S])

// WithCommandHandler registers the handler for a command type.
func WithCommandHandler[S any](commandType uint32, h CommandHandler[S]) Option[S] {
	return func(c *config[S]) {
		c.commandHandlers[commandType] = h
	}
}

// WithEventHandler registers the fold function for an event type. Events
// without a registered handler advance the version but leave the state
// untouched.
func WithEventHandler[S any](eventType uint32, h EventHandler[S]) Option[S] {
	return func(c *config[S]) {
		c.eventHandlers[eventType] = h
	}
}

// WithSnapshotInterval sets the version interval for automatic snapshots.
// Zero disables snapshotting, including the custom predicate.
func WithSnapshotInterval[S any](n uint32) Option[S] {
	return func(c *config[S]) {
		c.snapshotInterval = n
	}
}

// WithShouldTakeSnapshot adds a predicate consulted after every append
// that missed the interval boundary.
func WithShouldTakeSnapshot[S any](f func(state S, version uint32) bool) Option[S] {
	return func(c *config[S]) {
		c.shouldSnapshot = f
	}
}

// WithStateCodec replaces the snapshot state codec. The default round-trips
// the state through the codec registry, which covers primitives, maps,
// slices and registered domain types.
func WithStateCodec[S any](encode func(S) ([]byte, error), decode func([]byte) (S, error)) Option[S] {
	return func(c *config[S]) {
		if encode != nil {
			c.encodeState = encode
		}
		if decode != nil {
			c.decodeState = decode
		}
	}
}

// WithInitialVersion starts the engine at a known version instead of zero,
// for handing state over between instances without a replay.
func WithInitialVersion[S any](v uint32) Option[S] {
	return func(c *config[S]) {
		c.initialVersion = v
	}
}

// WithConflictRetry overrides the attempt budget for version conflicts.
// Only MaxAttempts applies: conflict retries never sleep, the reload
// before each re-run is the backoff.
func WithConflictRetry[S any](p retry.Policy) Option[S] {
	return func(c *config[S]) {
		c.conflictRetry = p
	}
}

// WithLogger sets the engine logger.
func WithLogger[S any](logger *slog.Logger) Option[S] {
	return func(c *config[S]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics[S any](m *observability.Metrics) Option[S] {
	return func(c *config[S]) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for Process and Reload spans.
func WithTracer[S any](t trace.Tracer) Option[S] {
	return func(c *config[S]) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock replaces the timestamp source, for deterministic tests.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(c *config[S]) {
		if now != nil {
			c.clock = now
		}
	}
}

type processConfig struct {
	meta      map[string][]byte
	noReload  bool
	timestamp time.Time
}

// ProcessOption configures a single Process call.
type ProcessOption func(*processConfig)

// WithMeta attaches metadata to the command. It is merged into every
// produced event, with the draft's own metadata winning on key collision.
func WithMeta(meta map[string][]byte) ProcessOption {
	return func(c *processConfig) {
		c.meta = meta
	}
}

// WithNoReload skips the reload that normally precedes the command. The
// handler runs against the in-memory state; a version conflict still
// forces a reload before the re-run.
func WithNoReload() ProcessOption {
	return func(c *processConfig) {
		c.noReload = true
	}
}

// WithTimestamp pins the batch timestamp instead of reading the clock.
func WithTimestamp(ts time.Time) ProcessOption {
	return func(c *processConfig) {
		c.timestamp = ts
	}
}
