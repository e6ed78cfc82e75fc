package runner

import "context"

// Service is a long-running component managed by the Runner: the broker,
// projections, stream transports.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up. It returns once the service is ready
	// and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down gracefully within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional extension for services that can report
// their own health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error when the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
