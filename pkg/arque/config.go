package arque

import (
	"context"
)

// ConfigAdapter maps event types to the subscriber streams interested in
// them. Projections register on start; the broker resolves routing by
// reverse lookup.
//
// Implementations are long-lived and internally thread-safe. Durable
// implementations cache FindStreams results in a bounded LRU; a new
// registration may therefore stay invisible to in-flight brokers on other
// instances for up to the cache TTL.
type ConfigAdapter interface {
	// SaveStream upserts a registration keyed by reg.ID.
	SaveStream(ctx context.Context, reg StreamRegistration) error

	// FindStreams returns every registered stream whose event set contains
	// eventType. The result order is unspecified.
	FindStreams(ctx context.Context, eventType uint32) ([]string, error)

	// Close releases the adapter's resources.
	Close() error
}
