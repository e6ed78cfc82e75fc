package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/arqueio/arque/pkg/arque"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	c, err := New(db)
	require.NoError(t, err)
	return c
}

func TestSaveAndFindStreams(t *testing.T) {
	c := newTestConfig(t)
	ctx := context.Background()

	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:        "balances",
		Events:    []uint32{1, 2},
		Timestamp: time.Now(),
	}))
	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:        "audit",
		Events:    []uint32{2, 3},
		Timestamp: time.Now(),
	}))

	ids, err := c.FindStreams(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "balances"}, ids)

	ids, err = c.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"balances"}, ids)

	ids, err = c.FindStreams(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSaveStreamReplacesRegistration(t *testing.T) {
	c := newTestConfig(t)
	ctx := context.Background()

	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:     "balances",
		Events: []uint32{1, 2},
	}))

	// Warm the cache so the replacement also has to invalidate it.
	_, err := c.FindStreams(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:     "balances",
		Events: []uint32{3},
	}))

	ids, err := c.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ids, "old types must be unregistered")

	ids, err = c.FindStreams(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"balances"}, ids)
}

func TestFindStreamsServesFromCache(t *testing.T) {
	c := newTestConfig(t)
	ctx := context.Background()

	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:     "balances",
		Events: []uint32{7},
	}))

	ids, err := c.FindStreams(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"balances"}, ids)

	// A write bypassing SaveStream stays invisible until invalidation.
	_, err = c.db.Exec("DELETE FROM stream_events WHERE event_type = 7")
	require.NoError(t, err)

	ids, err = c.FindStreams(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"balances"}, ids, "expected the cached answer")

	// Registering through the adapter drops the stale entry.
	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:     "balances",
		Events: []uint32{8},
	}))

	ids, err = c.FindStreams(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSharedDatabase(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	first, err := New(db)
	require.NoError(t, err)
	require.NoError(t, first.SaveStream(context.Background(), arque.StreamRegistration{
		ID:     "balances",
		Events: []uint32{1},
	}))
	require.NoError(t, first.Close())

	// A second adapter over the same handle sees the registration and
	// migrations stay idempotent.
	second, err := New(db)
	require.NoError(t, err)
	defer second.Close()

	ids, err := second.FindStreams(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"balances"}, ids)
}
