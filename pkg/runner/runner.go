// Package runner supervises the lifecycle of a set of services: ordered
// startup, signal-driven graceful shutdown in reverse order, and health
// aggregation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Runner starts services in registration order and stops them in reverse.
//
// Example usage:
//
//	r := runner.New(
//	    []runner.Service{transport, broker, projections},
//	    runner.WithLogger(logger),
//	)
//	if err := r.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Runner struct {
	services        []Service
	log             *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's Start call. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		log:             slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service in order and blocks until the context is
// cancelled or an interrupt arrives, then stops the started services in
// reverse order. A failed Start rolls back the services already running.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.log.Info("starting services", "count", len(r.services))

	var started []Service
	for _, service := range r.services {
		r.log.Info("starting service", "service", service.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.log.Error("failed to start service",
				"service", service.Name(), "error", err)
			r.stopServices(started)
			return fmt.Errorf("failed to start service %s: %w", service.Name(), err)
		}
		started = append(started, service)
	}

	r.log.Info("all services started")

	<-ctx.Done()

	r.log.Info("shutting down", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse registration order, concurrently
// per service, bounded by the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]

		wg.Add(1)
		go func() {
			defer wg.Done()

			r.log.Info("stopping service", "service", service.Name())
			if err := service.Stop(shutdownCtx); err != nil {
				r.log.Error("failed to stop service",
					"service", service.Name(), "error", err)
				errCh <- fmt.Errorf("failed to stop service %s: %w", service.Name(), err)
				return
			}
			r.log.Info("service stopped", "service", service.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		return errors.Join(errs...)

	case <-shutdownCtx.Done():
		r.log.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return errors.New("shutdown timeout exceeded")
	}
}

// HealthCheck polls every service implementing HealthChecker and returns
// the first failure.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
