package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/markov/backends/cache"
	"github.com/remiges-tech/markov/backends/memory"
	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/backendtest"
	"github.com/remiges-tech/markov/internal/logger"
	"github.com/remiges-tech/markov/scorers"
)

// counting records the calls the cache makes on the backend it wraps.
type counting struct {
	*memory.Backend
	loads    int
	stores   int
	closed   bool
	storeErr error
}

func (c *counting) Load(ctx context.Context, key chain.Key) ([]chain.Snippet, error) {
	c.loads++
	return c.Backend.Load(ctx, key)
}

func (c *counting) Store(ctx context.Context, snippets []chain.Snippet, state chain.State) error {
	c.stores++
	if c.storeErr != nil {
		return c.storeErr
	}
	return c.Backend.Store(ctx, snippets, state)
}

func (c *counting) Close() error {
	c.closed = true
	return c.Backend.Close()
}

func newCache(t *testing.T, threshold int) (*cache.Backend, *counting) {
	t.Helper()
	inner := &counting{Backend: memory.New(memory.Config{})}
	c, err := cache.New(inner, cache.Config{FlushThreshold: threshold, Logger: logger.Discard()})
	require.NoError(t, err)
	return c, inner
}

func TestContract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) chain.Backend {
		c, _ := newCache(t, 2)
		return c
	})
}

func TestWriteBack(t *testing.T) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	c, inner := newCache(t, 10)
	defer c.Close()

	key := chain.Key{"hello", "there"}
	require.NoError(t, c.Insert(ctx, scorer, key, "world"))
	require.NoError(t, c.Insert(ctx, scorer, key, "world"))

	assert.Equal(t, 0, inner.stores)
	assert.Equal(t, 1, c.Dirty())

	got, err := inner.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	assert.Empty(t, got, "inserts stay in the cache until a flush")

	got, err = c.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	assert.Equal(t, []chain.Candidate{{Next: "world", Score: 2}}, got)

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 1, inner.stores)
	assert.Equal(t, 0, c.Dirty())

	got, err = inner.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	assert.Equal(t, []chain.Candidate{{Next: "world", Score: 2}}, got)

	state, err := inner.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Count)

	// nothing dirty, nothing stored
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 1, inner.stores)
}

func TestFlushThreshold(t *testing.T) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	c, inner := newCache(t, 3)
	defer c.Close()

	require.NoError(t, c.Insert(ctx, scorer, chain.Key{"a"}, "b"))
	require.NoError(t, c.Insert(ctx, scorer, chain.Key{"b"}, "c"))
	// a repeat does not add a dirty snippet
	require.NoError(t, c.Insert(ctx, scorer, chain.Key{"a"}, "b"))
	assert.Equal(t, 0, inner.stores)

	require.NoError(t, c.Insert(ctx, scorer, chain.Key{"c"}, "d"))
	assert.Equal(t, 1, inner.stores)
	assert.Equal(t, 3, inner.Len())
}

func TestLookupIsCached(t *testing.T) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	c, inner := newCache(t, 1)
	defer c.Close()

	key := chain.Key{"x", "y"}
	for i := 0; i < 3; i++ {
		got, err := c.Lookup(ctx, scorer, key)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, 1, inner.loads, "misses are cached too")

	require.NoError(t, c.Insert(ctx, scorer, key, "z"))
	got, err := c.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "z", got[0].Next)
	assert.Equal(t, 1, inner.loads)
}

func TestClockContinuesFromWrapped(t *testing.T) {
	ctx := context.Background()
	inner := &counting{Backend: memory.New(memory.Config{})}
	require.NoError(t, inner.Backend.Store(ctx, nil, chain.State{Time: 1000, Count: 41}))

	c, err := cache.New(inner, cache.Config{Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, scorers.NoAdjust(), chain.Key{"a"}, "b"))

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), state.Count)
	require.NoError(t, c.Close())
}

func TestCloseFlushesAndClosesWrapped(t *testing.T) {
	ctx := context.Background()
	c, inner := newCache(t, 100)

	require.NoError(t, c.Insert(ctx, scorers.NoAdjust(), chain.Key{"a"}, "b"))
	require.NoError(t, c.Close())

	assert.Equal(t, 1, inner.stores)
	assert.True(t, inner.closed)

	require.NoError(t, c.Close())
	_, err := c.Lookup(ctx, scorers.NoAdjust(), chain.Key{"a"})
	assert.ErrorIs(t, err, chain.ErrStorage)
}

func TestFailedFlushKeepsDirty(t *testing.T) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	c, inner := newCache(t, 100)
	defer c.Close()

	boom := chain.StorageError("store", errors.New("disk full"))
	inner.storeErr = boom
	require.NoError(t, c.Insert(ctx, scorer, chain.Key{"a"}, "b"))

	err := c.Flush(ctx)
	assert.ErrorIs(t, err, chain.ErrStorage)
	assert.Equal(t, 1, c.Dirty())

	inner.storeErr = nil
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Dirty())
	assert.Equal(t, 1, inner.Len())
}
