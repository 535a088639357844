// Package backendtest holds the behaviour every chain.Backend must share.
// Backend packages run it from their own tests against a fresh instance.
package backendtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/scorers"
)

// Opener returns a new, empty backend. The harness closes it.
type Opener func(t *testing.T) chain.Backend

// Run exercises b's contract. Each subtest gets its own backend from open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b chain.Backend)
	}{
		{"empty backend", testEmpty},
		{"insert then lookup", testInsertLookup},
		{"repeats merge", testMerge},
		{"storage order", testStorageOrder},
		{"state advances", testStateAdvances},
		{"contexts by prefix", testContexts},
		{"random start", testRandom},
		{"random skips stale", testRandomSkipsStale},
		{"predecessors", testPredecessors},
		{"bind look size", testBind},
		{"prune stale", testPrune},
		{"opaque words", testOpaqueWords},
		{"cacheable load and store", testCacheable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func insertAll(t *testing.T, b chain.Backend, scorer chain.Scorer, pairs ...[3]string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range pairs {
		require.NoError(t, b.Insert(ctx, scorer, chain.Key{p[0], p[1]}, p[2]))
	}
}

func nexts(candidates []chain.Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Next
	}
	return out
}

func testEmpty(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()

	got, err := b.Lookup(ctx, scorer, chain.Key{"never", "seen"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	key, err := b.Random(ctx, scorer)
	require.NoError(t, err)
	assert.Nil(t, key)

	prev, err := b.Predecessors(ctx, scorer, chain.Key{"never", "seen"})
	require.NoError(t, err)
	assert.Empty(t, prev)

	keys, err := b.Contexts(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, b.Prune(ctx, scorer))
	require.NoError(t, b.Prune(ctx, scorer))

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Count)
}

func testInsertLookup(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	words := []string{"the", "quick", "brown", "fox", "jumps", "over", "the", "quick", "dog"}

	for i := 0; i+2 < len(words); i++ {
		require.NoError(t, b.Insert(ctx, scorer, chain.Key{words[i], words[i+1]}, words[i+2]))
	}
	for i := 0; i+2 < len(words); i++ {
		got, err := b.Lookup(ctx, scorer, chain.Key{words[i], words[i+1]})
		require.NoError(t, err)
		assert.Contains(t, nexts(got), words[i+2], "window %d", i)
	}

	got, err := b.Lookup(ctx, scorer, chain.Key{"the", "quick"})
	require.NoError(t, err)
	assert.Equal(t, []string{"brown", "dog"}, nexts(got))
}

func testMerge(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	insertAll(t, b, scorer,
		[3]string{"a", "b", "c"},
		[3]string{"a", "b", "c"},
		[3]string{"a", "b", "c"},
		[3]string{"a", "b", "d"},
	)

	got, err := b.Lookup(ctx, scorer, chain.Key{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, chain.Candidate{Next: "c", Score: 3}, got[0])
	assert.Equal(t, chain.Candidate{Next: "d", Score: 1}, got[1])
}

func testStorageOrder(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	insertAll(t, b, scorer,
		[3]string{"k", "k", "zulu"},
		[3]string{"k", "k", "alpha"},
		[3]string{"k", "k", "mike"},
		[3]string{"k", "k", "zulu"},
	)

	for i := 0; i < 3; i++ {
		got, err := b.Lookup(ctx, scorer, chain.Key{"k", "k"})
		require.NoError(t, err)
		assert.Equal(t, []string{"zulu", "alpha", "mike"}, nexts(got))
	}
}

func testStateAdvances(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	insertAll(t, b, scorer,
		[3]string{"a", "b", "c"},
		[3]string{"b", "c", "d"},
		[3]string{"a", "b", "c"},
	)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.Count)
	assert.NotZero(t, state.Time)
}

func testContexts(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	insertAll(t, b, scorer,
		[3]string{"the", "quick", "fox"},
		[3]string{"the", "lazy", "dog"},
		[3]string{"then", "some", "more"},
		[3]string{"a", "dog", "barks"},
	)

	keys, err := b.Contexts(ctx, chain.Key{"the"}, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chain.Key{{"the", "quick"}, {"the", "lazy"}}, keys)

	keys, err = b.Contexts(ctx, chain.Key{"the"}, 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "the", keys[0][0])

	keys, err = b.Contexts(ctx, chain.Key{"the", "lazy"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []chain.Key{{"the", "lazy"}}, keys)

	keys, err = b.Contexts(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	keys, err = b.Contexts(ctx, chain.Key{"missing"}, 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testRandom(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	insertAll(t, b, scorer,
		[3]string{"one", "two", "three"},
		[3]string{"two", "three", "four"},
	)

	stored := []chain.Key{{"one", "two"}, {"two", "three"}}
	for i := 0; i < 10; i++ {
		key, err := b.Random(ctx, scorer)
		require.NoError(t, err)
		assert.Contains(t, stored, key)
	}
}

// expired decays every score to zero at once.
type expired struct{}

func (expired) Adjust(uint64, chain.State, chain.State) uint64 { return 0 }

func testRandomSkipsStale(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	decay := scorers.WordAdjust(1)
	insertAll(t, b, decay,
		[3]string{"old", "key", "gone"},
		[3]string{"older", "key", "gone"},
		[3]string{"new", "key", "fresh"},
	)

	// only new->fresh, seen at the current count, still scores
	for i := 0; i < 20; i++ {
		key, err := b.Random(ctx, decay)
		require.NoError(t, err)
		assert.Equal(t, chain.Key{"new", "key"}, key)
	}

	key, err := b.Random(ctx, expired{})
	require.NoError(t, err)
	assert.Nil(t, key)
}

func testPredecessors(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	insertAll(t, b, scorer,
		[3]string{"x", "b", "c"},
		[3]string{"a", "b", "c"},
		[3]string{"a", "b", "c"},
		[3]string{"a", "b", "d"},
		[3]string{"b", "c", "e"},
	)

	got, err := b.Predecessors(ctx, scorer, chain.Key{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []chain.Candidate{{Next: "x", Score: 1}, {Next: "a", Score: 2}}, got)

	got, err = b.Predecessors(ctx, scorer, chain.Key{"b", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, nexts(got))

	got, err = b.Predecessors(ctx, scorer, chain.Key{"c", "e"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, nexts(got))

	got, err = b.Predecessors(ctx, scorer, chain.Key{"c", "b"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = b.Predecessors(ctx, expired{}, chain.Key{"b", "c"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testBind(t *testing.T, b chain.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Bind(ctx, 2))
	require.NoError(t, b.Bind(ctx, 2))
	insertAll(t, b, scorers.NoAdjust(), [3]string{"a", "b", "c"})
	require.NoError(t, b.Bind(ctx, 2))

	err := b.Bind(ctx, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrLookSize)
	assert.ErrorIs(t, err, chain.ErrConfiguration)
}

func testPrune(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	decay := scorers.WordAdjust(1)
	insertAll(t, b, decay,
		[3]string{"old", "key", "gone"},
		[3]string{"new", "key", "stale"},
		[3]string{"new", "key", "fresh"},
	)

	// old->gone was seen at count 1 and is two windows behind at count 3
	got, err := b.Lookup(ctx, decay, chain.Key{"old", "key"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, b.Prune(ctx, decay))

	keys, err := b.Contexts(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []chain.Key{{"new", "key"}}, keys)

	got, err = b.Lookup(ctx, scorers.NoAdjust(), chain.Key{"new", "key"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, nexts(got))

	require.NoError(t, b.Prune(ctx, decay))
}

func testOpaqueWords(t *testing.T, b chain.Backend) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	key := chain.Key{"two words", ""}
	next := "colon:7 and\nnewline ü"

	require.NoError(t, b.Insert(ctx, scorer, key, next))

	got, err := b.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	assert.Equal(t, []string{next}, nexts(got))

	random, err := b.Random(ctx, scorer)
	require.NoError(t, err)
	assert.Equal(t, key, random)

	prev, err := b.Predecessors(ctx, scorer, chain.Key{"", next})
	require.NoError(t, err)
	assert.Equal(t, []string{"two words"}, nexts(prev))

	// a different split of the same characters is a different context
	got, err = b.Lookup(ctx, scorer, chain.Key{"two", "words"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testCacheable(t *testing.T, b chain.Backend) {
	c, ok := b.(chain.Cacheable)
	if !ok {
		t.Skip("backend is not cacheable")
	}
	ctx := context.Background()
	scorer := scorers.NoAdjust()

	key := chain.Key{"load", "me"}
	snippets := []chain.Snippet{
		{Key: key, Next: "second", Score: 4, Seen: chain.State{Time: 100, Count: 9}, Created: 7},
		{Key: key, Next: "first", Score: 2, Seen: chain.State{Time: 90, Count: 5}, Created: 5},
	}
	state := chain.State{Time: 100, Count: 9}
	require.NoError(t, c.Store(ctx, snippets, state))

	loaded, err := c.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "first", loaded[0].Next)
	assert.Equal(t, uint64(2), loaded[0].Score)
	assert.Equal(t, chain.State{Time: 90, Count: 5}, loaded[0].Seen)
	assert.Equal(t, uint64(5), loaded[0].Created)
	assert.Equal(t, key, loaded[0].Key)
	assert.Equal(t, "second", loaded[1].Next)

	got, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	// storing again replaces rather than duplicates
	snippets[0].Score = 6
	require.NoError(t, c.Store(ctx, snippets[:1], state))
	candidates, err := c.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	assert.Equal(t, []chain.Candidate{{Next: "first", Score: 2}, {Next: "second", Score: 6}}, candidates)

	// inserts continue from the stored clock
	require.NoError(t, c.Insert(ctx, scorer, key, "third"))
	got, err = c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Count)

	empty, err := c.Load(ctx, chain.Key{"nothing", "here"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
