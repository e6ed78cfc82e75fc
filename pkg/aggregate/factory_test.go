package aggregate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqueio/arque/pkg/aggregate"
	"github.com/arqueio/arque/pkg/arque"
)

func newBalanceFactory(store arque.StoreAdapter, stream arque.StreamAdapter) *aggregate.Factory[int64] {
	return aggregate.NewFactory(store, stream, func() int64 { return 0 }, balanceOptions()...)
}

func TestFactoryCachesByID(t *testing.T) {
	store := newScriptedStore()
	factory := newBalanceFactory(store, newCaptureStream())
	t.Cleanup(func() { _ = factory.Close() })

	id := arque.NewAggregateID()
	first, err := factory.Load(context.Background(), id)
	require.NoError(t, err)

	second, err := factory.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := factory.Load(context.Background(), arque.NewAggregateID())
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestFactoryConcurrentLoadsShareConstruction(t *testing.T) {
	store := newScriptedStore()
	var constructions atomic.Int32
	factory := aggregate.NewFactory(store, newCaptureStream(), func() int64 {
		constructions.Add(1)
		return 0
	}, balanceOptions()...)
	t.Cleanup(func() { _ = factory.Close() })

	id := arque.NewAggregateID()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		engines []*aggregate.Aggregate[int64]
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg, err := factory.Load(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			engines = append(engines, agg)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, engines, 10)
	for _, agg := range engines[1:] {
		assert.Same(t, engines[0], agg)
	}
	assert.Equal(t, int32(1), constructions.Load())
}

func TestFactoryConstructionFailureRetries(t *testing.T) {
	store := newScriptedStore()
	store.listErr = errors.New("database gone away")

	factory := newBalanceFactory(store, newCaptureStream())
	t.Cleanup(func() { _ = factory.Close() })

	id := arque.NewAggregateID()
	_, err := factory.Load(context.Background(), id)
	require.Error(t, err)

	// The failure left no cache entry, so the next load constructs again
	// against the recovered store.
	agg, err := factory.Load(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, agg)
}

func TestFactoryWithoutReloadSkipsStore(t *testing.T) {
	store := newScriptedStore()
	factory := newBalanceFactory(store, newCaptureStream())
	t.Cleanup(func() { _ = factory.Close() })

	id := arque.NewAggregateID()
	_, err := factory.Load(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, store.counts().lists)

	_, err = factory.Load(context.Background(), id, aggregate.WithoutReload())
	require.NoError(t, err)
	assert.Equal(t, 1, store.counts().lists, "a suppressed reload does not touch the store")

	_, err = factory.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, store.counts().lists, "a cached hit reloads by default")
}

func TestFactoryRemoveEvicts(t *testing.T) {
	store := newScriptedStore()
	factory := newBalanceFactory(store, newCaptureStream())
	t.Cleanup(func() { _ = factory.Close() })

	id := arque.NewAggregateID()
	first, err := factory.Load(context.Background(), id)
	require.NoError(t, err)

	factory.Remove(id)

	second, err := factory.Load(context.Background(), id)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
