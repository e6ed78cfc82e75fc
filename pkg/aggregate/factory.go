package aggregate

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/arqueio/arque/pkg/arque"
)

const (
	// factoryCacheSize bounds how many live engines the factory keeps.
	factoryCacheSize = 2046

	// factoryCacheTTL evicts engines idle for longer than two days.
	factoryCacheTTL = 48 * time.Hour
)

type loadConfig struct {
	noReload bool
}

// LoadOption configures a single Load call.
type LoadOption func(*loadConfig)

// WithoutReload skips the reload of a cached engine and the initial
// replay of a newly constructed one, returning it as-is.
func WithoutReload() LoadOption {
	return func(c *loadConfig) {
		c.noReload = true
	}
}

// Factory hands out cached engines keyed by aggregate id, so concurrent
// commands for one aggregate go through a single serialized instance.
//
// Engines are evicted after factoryCacheTTL idle or when the cache
// overflows; eviction closes the engine's snapshot worker in the
// background. An engine pointer held across an eviction stays usable, it
// just stops taking snapshots.
type Factory[S any] struct {
	store   arque.StoreAdapter
	stream  arque.StreamAdapter
	initial func() S
	opts    []Option[S]

	cache *expirable.LRU[string, *Aggregate[S]]
	group singleflight.Group
}

// NewFactory builds a factory. initial produces the zero state for each
// new engine; opts apply to every engine the factory constructs.
func NewFactory[S any](store arque.StoreAdapter, stream arque.StreamAdapter, initial func() S, opts ...Option[S]) *Factory[S] {
	f := &Factory[S]{
		store:   store,
		stream:  stream,
		initial: initial,
		opts:    opts,
	}
	f.cache = expirable.NewLRU(factoryCacheSize, f.onEvict, factoryCacheTTL)
	return f
}

func (f *Factory[S]) onEvict(_ string, agg *Aggregate[S]) {
	// Drain pending snapshots off the eviction path.
	go func() {
		_ = agg.Close(context.Background())
	}()
}

// Load returns the engine for id, reloading a cached hit so the caller
// sees fresh state. A miss constructs and caches the engine; concurrent
// loads of the same id share one construction, and a failed construction
// leaves no entry so the next call retries.
func (f *Factory[S]) Load(ctx context.Context, id arque.AggregateID, opts ...LoadOption) (*Aggregate[S], error) {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key := id.Base64()
	if agg, ok := f.cache.Get(key); ok {
		if !cfg.noReload {
			if err := agg.Reload(ctx); err != nil {
				return nil, err
			}
		}
		return agg, nil
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		// A racing load may have populated the cache while we queued.
		if agg, ok := f.cache.Get(key); ok {
			return agg, nil
		}

		agg := New(f.store, f.stream, id, f.initial(), f.opts...)
		if !cfg.noReload {
			if err := agg.Reload(ctx); err != nil {
				_ = agg.Close(context.Background())
				return nil, err
			}
		}
		f.cache.Add(key, agg)
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Aggregate[S]), nil
}

// Remove evicts one engine, for callers that finalized an aggregate and
// want its instance gone immediately.
func (f *Factory[S]) Remove(id arque.AggregateID) {
	f.cache.Remove(id.Base64())
}

// Close evicts every cached engine, closing their snapshot workers.
func (f *Factory[S]) Close() error {
	f.cache.Purge()
	return nil
}
