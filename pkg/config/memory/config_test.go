package memory

import (
	"context"
	"testing"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndFindStreams(t *testing.T) {
	c := New()
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
	c := New()
	ctx := context.Background()

	require.NoError(t, c.SaveStream(ctx, arque.StreamRegistration{
		ID:     "balances",
		Events: []uint32{1, 2},
	}))
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
