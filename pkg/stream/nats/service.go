package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arqueio/arque/pkg/observability"
	"github.com/arqueio/arque/pkg/runner"
)

// Service runs an embedded NATS server together with a Stream adapter as
// one runner.Service, for single-binary deployments and tests.
//
// Example usage:
//
//	streamService := nats.NewService(nats.WithServiceLogger(logger))
//
//	r := runner.New([]runner.Service{
//	    streamService,
//	    brokerService,
//	})
//	r.Run(ctx)
type Service struct {
	opts   []Option
	server *EmbeddedServer
	stream *Stream
	logger *slog.Logger
	tracer trace.Tracer
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithStreamOptions forwards adapter options. WithURL and WithConn are
// ignored; the adapter always connects to the embedded server.
func WithStreamOptions(opts ...Option) ServiceOption {
	return func(s *Service) {
		s.opts = opts
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceTracer sets the OpenTelemetry tracer.
func WithServiceTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// NewService creates the service. The server starts on Start, not here.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("stream"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "stream"
}

// Start launches the embedded server and connects the adapter to it.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "stream.Start")
	defer span.End()

	s.logger.Info("starting stream service")

	srv, err := StartEmbeddedServer()
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	opts := append([]Option{WithURL(srv.URL()), WithLogger(s.logger)}, s.opts...)
	stream, err := New(opts...)
	if err != nil {
		srv.Shutdown()
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to create stream adapter", "error", err)
		return fmt.Errorf("failed to create stream adapter: %w", err)
	}
	s.stream = stream

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("stream service started", "url", srv.URL())
	return nil
}

// Stop closes the adapter first, then shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "stream.Stop")
	defer span.End()

	s.logger.Info("stopping stream service")

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			observability.SetSpanError(ctx, err)
			s.logger.Warn("error closing stream adapter", "error", err)
		}
		// Give subscriptions time to drain before the server goes away.
		time.Sleep(100 * time.Millisecond)
	}

	if s.server != nil {
		s.server.Shutdown()
	}

	s.logger.Info("stream service stopped")
	return nil
}

// HealthCheck verifies the embedded server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "stream.HealthCheck")
	defer span.End()

	if s.server == nil {
		err := fmt.Errorf("embedded server not started")
		observability.SetSpanError(ctx, err)
		return err
	}
	if s.stream == nil {
		err := fmt.Errorf("stream adapter not created")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := natsgo.Connect(s.server.URL())
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("embedded server not responsive: %w", err)
	}
	nc.Close()

	span.SetAttributes(attribute.Bool("healthy", true))
	return nil
}

// Stream returns the adapter. Only available after Start succeeds.
func (s *Service) Stream() *Stream {
	return s.stream
}

// URL returns the embedded server's connection URL. Only available after
// Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
