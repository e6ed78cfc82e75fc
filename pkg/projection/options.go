package projection

import (
	"log/slog"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultSettlePollInterval = 500 * time.Millisecond

type config struct {
	disableRegistration bool
	logger              *slog.Logger
	metrics             *observability.Metrics
	tracer              trace.Tracer
	clock               func() time.Time
	settlePollInterval  time.Duration
	subOpts             []arque.SubscribeOption
}

// Option configures a projection.
type Option func(*config)

func defaultConfig() config {
	return config{
		logger:             slog.Default(),
		tracer:             noop.NewTracerProvider().Tracer("projection"),
		clock:              time.Now,
		settlePollInterval: defaultSettlePollInterval,
	}
}

// WithDisableRegistration skips the stream registration on Start. The
// broker then only routes to this projection if something else registered
// its stream, which is how replicas of an already registered projection
// come up.
func WithDisableRegistration() Option {
	return func(c *config) {
		c.disableRegistration = true
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithClock replaces the time source used for the settle window and
// registration timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithSettlePollInterval sets how often WaitUntilSettled re-checks the
// quiet window. Default 500ms.
func WithSettlePollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.settlePollInterval = d
		}
	}
}

// WithSubscribeOptions forwards options to the stream subscription,
// typically to tune the redelivery schedule.
func WithSubscribeOptions(opts ...arque.SubscribeOption) Option {
	return func(c *config) {
		c.subOpts = append(c.subOpts, opts...)
	}
}
