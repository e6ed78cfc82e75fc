// Package broker routes events from the ingress stream to the streams
// registered for each event type. It subscribes in raw mode: frames are
// peeked for their type and forwarded verbatim, so the partition key in
// the frame metadata keeps per-key order intact across the fan-out.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/codec"
	"github.com/arqueio/arque/pkg/observability"
	"github.com/arqueio/arque/pkg/runner"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Broker is a runner.Service that fans the ingress stream out to
// subscriber streams. Multiple instances may run against the same
// transport: they join one consumer group and split partitions between
// them.
//
// Example usage:
//
//	b := broker.New(stream, config, broker.WithLogger(logger))
//	r := runner.New([]runner.Service{transport, b, projections})
//	r.Run(ctx)
type Broker struct {
	stream  arque.StreamAdapter
	config  arque.ConfigAdapter
	log     *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	subOpts []arque.SubscribeOption

	mu  sync.Mutex
	sub arque.Subscriber
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics sets the metric instruments. Routing outcomes are recorded
// per event type.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Broker) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// WithSubscribeOptions forwards options to the ingress subscription,
// typically to tune the redelivery schedule.
func WithSubscribeOptions(opts ...arque.SubscribeOption) Option {
	return func(b *Broker) {
		b.subOpts = append(b.subOpts, opts...)
	}
}

// New creates a broker over the given transport and routing config.
func New(stream arque.StreamAdapter, config arque.ConfigAdapter, opts ...Option) *Broker {
	b := &Broker{
		stream: stream,
		config: config,
		log:    slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the service name for logging.
func (b *Broker) Name() string {
	return "broker"
}

// Start subscribes to the ingress stream. It returns once the
// subscription is active.
func (b *Broker) Start(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, b.tracer, "broker.Start")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("broker already started")
	}

	sub, err := b.stream.SubscribeRaw(ctx, arque.IngressStream, b.route, b.subOpts...)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to subscribe to ingress stream: %w", err)
	}
	b.sub = sub

	b.log.Info("broker started", "stream", arque.IngressStream)
	return nil
}

// Stop leaves the ingress consumer group, letting an in-flight route
// finish first. Stopping an unstarted broker is a no-op.
func (b *Broker) Stop(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, b.tracer, "broker.Stop")
	defer span.End()

	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Stop(ctx); err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to stop ingress subscription: %w", err)
	}

	b.log.Info("broker stopped")
	return nil
}

// HealthCheck reports whether the ingress subscription is active.
func (b *Broker) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return errors.New("broker not subscribed to ingress stream")
	}
	return nil
}

// route forwards one ingress frame to every stream registered for its
// event type. A returned error puts the frame back on the subscriber's
// redelivery schedule; transports dedupe by event id within a producer
// epoch, so redelivery after a partial fan-out does not duplicate.
func (b *Broker) route(ctx context.Context, frame []byte) error {
	typ, err := codec.PeekType(frame)
	if err != nil {
		// A frame that cannot be peeked can never be routed; redelivering
		// it would hold back the partition forever.
		b.metrics.RecordBrokerMalformed(ctx)
		b.log.Error("dropping malformed ingress frame", "error", err)
		return nil
	}

	ctx, span := observability.StartSpan(ctx, b.tracer, "broker.route",
		observability.AttrEventType.Int64(int64(typ)))

	targets, err := b.config.FindStreams(ctx, typ)
	if err != nil {
		err = fmt.Errorf("failed to resolve streams for event type %d: %w", typ, err)
		observability.EndSpan(span, err)
		return err
	}

	b.metrics.RecordBrokerRoute(ctx, typ, len(targets))
	if len(targets) == 0 {
		b.log.Debug("no stream registered for event type", "event_type", typ)
		observability.EndSpan(span, nil)
		return nil
	}

	g, fanCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			batch := []arque.RawBatch{{Stream: target, Frames: [][]byte{frame}}}
			if err := b.stream.SendRaw(fanCtx, batch); err != nil {
				return fmt.Errorf("failed to fan out to stream %q: %w", target, err)
			}
			return nil
		})
	}
	err = g.Wait()

	span.SetAttributes(observability.AttrStream.StringSlice(targets))
	observability.EndSpan(span, err)
	return err
}

var _ runner.Service = (*Broker)(nil)
var _ runner.HealthChecker = (*Broker)(nil)
