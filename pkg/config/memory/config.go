// Package memory provides an in-process ConfigAdapter backed by plain maps.
// It is intended for tests and single-process deployments where routing
// state does not need to survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arqueio/arque/pkg/arque"
)

// Config keeps stream registrations in memory. Lookups see writes
// immediately, so there is no staleness window to account for.
type Config struct {
	mu      sync.RWMutex
	streams map[string][]uint32
	byType  map[uint32]map[string]struct{}
}

// New creates an empty in-memory config adapter.
func New() *Config {
	return &Config{
		streams: make(map[string][]uint32),
		byType:  make(map[uint32]map[string]struct{}),
	}
}

// SaveStream registers the stream under every listed event type,
// replacing any previous registration for the same stream id.
func (c *Config) SaveStream(ctx context.Context, reg arque.StreamRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, typ := range c.streams[reg.ID] {
		delete(c.byType[typ], reg.ID)
	}

	types := make([]uint32, len(reg.Events))
	copy(types, reg.Events)
	c.streams[reg.ID] = types

	for _, typ := range types {
		set, ok := c.byType[typ]
		if !ok {
			set = make(map[string]struct{})
			c.byType[typ] = set
		}
		set[reg.ID] = struct{}{}
	}
	return nil
}

// FindStreams returns the ids of all streams registered for the event
// type, sorted for stable fan-out order. Unknown types yield an empty
// result, not an error.
func (c *Config) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.byType[eventType]
	if len(set) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Config) Close() error {
	return nil
}

var _ arque.ConfigAdapter = (*Config)(nil)
