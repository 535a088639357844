package markov_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/backends/memory"
	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/logger"
	"github.com/remiges-tech/markov/scorers"
	"github.com/remiges-tech/markov/selectors"
)

const corpus = "the quick brown fox jumps over the lazy dog and the quick red fox runs past the lazy cat"

func testOptions(look int) markov.Options {
	options := markov.DefaultOptions()
	options.LookSize = look
	options.Logger = logger.Discard()
	options.Rand = rand.New(rand.NewPCG(1, 2))
	return options
}

func newGenerator(t *testing.T, look int, selector chain.Selector) (markov.Generator, *memory.Backend) {
	t.Helper()
	backend := memory.New(memory.Config{Rand: rand.New(rand.NewPCG(3, 4))})
	gen, err := markov.New(backend, selector, scorers.NoAdjust(), testOptions(look))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gen.Close() })
	return gen, backend
}

func TestNewValidatesOptions(t *testing.T) {
	backend := memory.New(memory.Config{})

	_, err := markov.New(backend, nil, nil, testOptions(0))
	assert.ErrorIs(t, err, markov.ErrInvalidLookSize)
	assert.ErrorIs(t, err, chain.ErrConfiguration)

	_, err = markov.New(nil, nil, nil, testOptions(1))
	assert.ErrorIs(t, err, chain.ErrConfiguration)

	options := testOptions(1)
	options.Selector = markov.SelectorKind(99)
	_, err = markov.New(backend, nil, nil, options)
	assert.ErrorIs(t, err, markov.ErrUnknownSelector)
}

func TestInsertEveryWindowIsRetrievable(t *testing.T) {
	ctx := context.Background()
	words := strings.Fields(corpus)

	for _, look := range []int{1, 2, 3} {
		gen, backend := newGenerator(t, look, selectors.BestAlways())
		require.NoError(t, gen.Insert(ctx, words))

		for i := 0; i+look < len(words); i++ {
			got, err := backend.Lookup(ctx, scorers.NoAdjust(), chain.Key(words[i:i+look]))
			require.NoError(t, err)

			var nexts []string
			for _, c := range got {
				nexts = append(nexts, c.Next)
			}
			assert.Contains(t, nexts, words[i+look], "look %d window %d", look, i)
		}
	}
}

func TestInsertShortSequenceIsNoop(t *testing.T) {
	ctx := context.Background()
	gen, backend := newGenerator(t, 3, selectors.BestAlways())

	require.NoError(t, gen.Insert(ctx, []string{"one", "two", "three"}))
	require.NoError(t, gen.Insert(ctx, nil))

	assert.Equal(t, 0, backend.Len())
	state, err := backend.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Count)
}

func TestProduceRoundTrip(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 1, selectors.Random(rand.New(rand.NewPCG(5, 6))))
	require.NoError(t, gen.Insert(ctx, []string{"the", "quick", "brown", "fox"}))

	for i := 0; i < 20; i++ {
		words, err := gen.Produce(ctx, []string{"the"}, 3, 0)
		require.NoError(t, err)
		require.Len(t, words, 3)
		assert.Equal(t, "the", words[0])
		assert.Equal(t, "quick", words[1])
	}
}

func TestProduceRespectsWordLimit(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 1, selectors.BestWeighted(128, rand.New(rand.NewPCG(7, 8))))
	// a cycle never runs out of successors
	require.NoError(t, gen.Insert(ctx, strings.Fields("a b c a b c a b c a")))

	for i := 0; i < 50; i++ {
		words, err := gen.Produce(ctx, nil, 5, 0)
		require.NoError(t, err)
		assert.Len(t, words, 5)
	}

	words, err := gen.Produce(ctx, []string{"a", "b", "c", "a", "b", "c"}, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "a"}, words)
}

func TestProduceRespectsCharLimit(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 1, selectors.BestAlways())
	require.NoError(t, gen.Insert(ctx, strings.Fields("über alles über alles über alles")))

	words, err := gen.Produce(ctx, []string{"über"}, 0, 10)
	require.NoError(t, err)

	chars := 0
	for _, w := range words {
		chars += utf8.RuneCountInString(w)
	}
	// stops at the first word that reaches the limit
	assert.Equal(t, []string{"über", "alles", "über"}, words)
	assert.GreaterOrEqual(t, chars, 10)
}

func TestProduceLimitsAreValidated(t *testing.T) {
	ctx := context.Background()
	failing := &failingBackend{Backend: memory.New(memory.Config{})}
	gen, err := markov.New(failing, nil, nil, testOptions(1))
	require.NoError(t, err)
	defer gen.Close()

	_, err = gen.Produce(ctx, []string{"the"}, 0, 0)
	assert.ErrorIs(t, err, markov.ErrNoLimits)
	assert.ErrorIs(t, err, chain.ErrConfiguration)
	assert.Zero(t, failing.lookups, "rejected before touching the backend")

	_, err = gen.Produce(ctx, nil, -1, 10)
	assert.ErrorIs(t, err, markov.ErrInvalidLimit)
	assert.Zero(t, failing.lookups)
}

func TestProduceEmptyResults(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 2, selectors.BestAlways())

	words, err := gen.Produce(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, words)
	assert.Empty(t, words, "empty backend")

	require.NoError(t, gen.Insert(ctx, strings.Fields("one two three")))
	words, err = gen.Produce(ctx, []string{"never", "seen"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, words, "unknown seed")
}

func TestProduceSeedPolicies(t *testing.T) {
	ctx := context.Background()

	gen, _ := newGenerator(t, 2, selectors.BestAlways())
	require.NoError(t, gen.Insert(ctx, strings.Fields(corpus)))
	_, err := gen.Produce(ctx, []string{"lazy"}, 10, 0)
	assert.ErrorIs(t, err, markov.ErrSeedTooShort)
	assert.ErrorIs(t, err, chain.ErrConfiguration)

	backend := memory.New(memory.Config{})
	options := testOptions(2)
	options.SeedPolicy = markov.SeedExpand
	expanding, err := markov.New(backend, selectors.BestAlways(), scorers.NoAdjust(), options)
	require.NoError(t, err)
	defer expanding.Close()
	require.NoError(t, expanding.Insert(ctx, strings.Fields(corpus)))

	words, err := expanding.Produce(ctx, []string{"lazy"}, 4, 0)
	require.NoError(t, err)
	require.Len(t, words, 4)
	assert.Equal(t, "lazy", words[0])
	assert.Contains(t, []string{"dog", "cat"}, words[1])

	words, err = expanding.Produce(ctx, []string{"zebra"}, 4, 0)
	require.NoError(t, err)
	assert.Empty(t, words)
}

func TestProduceLongSeedUsesLastWindow(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 2, selectors.BestAlways())
	require.NoError(t, gen.Insert(ctx, strings.Fields("x y z")))

	words, err := gen.Produce(ctx, []string{"anything", "x", "y"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"anything", "x", "y", "z"}, words)
}

func TestBestAlwaysFollowsHighestScore(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 1, selectors.BestAlways())
	require.NoError(t, gen.Insert(ctx, strings.Fields("go left go right go right go")))

	words, err := gen.Produce(ctx, []string{"go"}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "right"}, words)
}

func TestWordDecayThroughGenerator(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Config{})
	options := testOptions(1)
	options.Scorer = markov.ScoreWords
	options.Decrement = 100
	gen, err := markov.New(backend, selectors.BestAlways(), nil, options)
	require.NoError(t, err)
	defer gen.Close()

	// three observations at counts 1..3 give score 3
	for i := 0; i < 3; i++ {
		require.NoError(t, gen.Insert(ctx, []string{"old", "link"}))
	}
	filler := make([]string, 251)
	for i := range filler {
		filler[i] = "w"
	}
	require.NoError(t, gen.Insert(ctx, filler))

	got, err := backend.Lookup(ctx, scorers.WordAdjust(100), chain.Key{"old"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Score)
}

func TestPruneEmptyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 1, nil)
	require.NoError(t, gen.Prune(ctx))
	require.NoError(t, gen.Prune(ctx))
}

func TestPruneDropsStale(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Config{})
	options := testOptions(1)
	options.Scorer = markov.ScoreWords
	options.Decrement = 1
	gen, err := markov.New(backend, nil, nil, options)
	require.NoError(t, err)
	defer gen.Close()

	require.NoError(t, gen.Insert(ctx, strings.Fields("a b c d")))
	require.NoError(t, gen.Prune(ctx))
	assert.Equal(t, 1, backend.Len())
}

func TestInsertStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	failing := &failingBackend{Backend: memory.New(memory.Config{}), failAfter: 2}
	gen, err := markov.New(failing, nil, nil, testOptions(1))
	require.NoError(t, err)
	defer gen.Close()

	err = gen.Insert(ctx, strings.Fields("a b c d e"))
	assert.ErrorIs(t, err, chain.ErrStorage)
	assert.Equal(t, 3, failing.inserts)
	assert.Equal(t, 2, failing.Len(), "earlier windows stay stored")
}

func TestProduceReportsLookupFailure(t *testing.T) {
	ctx := context.Background()
	failing := &failingBackend{Backend: memory.New(memory.Config{}), failLookup: true}
	gen, err := markov.New(failing, nil, nil, testOptions(1))
	require.NoError(t, err)
	defer gen.Close()

	words, err := gen.Produce(ctx, []string{"a"}, 3, 0)
	assert.Nil(t, words)
	assert.ErrorIs(t, err, chain.ErrStorage)
}

func TestClosedGeneratorFails(t *testing.T) {
	ctx := context.Background()
	gen, err := markov.New(memory.New(memory.Config{}), nil, nil, testOptions(1))
	require.NoError(t, err)

	require.NoError(t, gen.Close())
	require.NoError(t, gen.Close())

	assert.ErrorIs(t, gen.Insert(ctx, []string{"a", "b"}), markov.ErrClosed)
	_, err = gen.Produce(ctx, nil, 1, 0)
	assert.ErrorIs(t, err, markov.ErrClosed)
	assert.ErrorIs(t, gen.Prune(ctx), markov.ErrClosed)
}

func TestOpenUsesRegistry(t *testing.T) {
	ctx := context.Background()

	_, err := markov.Open("nonexistent", markov.NewConfig(nil))
	assert.ErrorIs(t, err, markov.ErrBackendNotFound)
	assert.ErrorIs(t, err, chain.ErrUnsupported)

	config := markov.NewConfig(memory.Config{})
	config.Options.Logger = logger.Discard()
	gen, err := markov.Open("Memory", config)
	require.NoError(t, err)
	defer gen.Close()

	require.NoError(t, gen.Insert(ctx, strings.Fields("hello world")))
	words, err := gen.Produce(ctx, []string{"hello"}, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, words)

	assert.Contains(t, markov.Backends(), "memory")
}

func TestOpenWithCache(t *testing.T) {
	ctx := context.Background()
	config := markov.NewConfig(nil)
	config.Options.Logger = logger.Discard()
	config.Options.Cache = true
	config.Options.FlushThreshold = 2

	gen, err := markov.Open("memory", config)
	require.NoError(t, err)
	defer gen.Close()

	require.NoError(t, gen.Insert(ctx, strings.Fields("one two three four")))
	words, err := gen.Produce(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, words)
}

func TestParseKinds(t *testing.T) {
	kind, err := markov.ParseSelectorKind("Best")
	require.NoError(t, err)
	assert.Equal(t, markov.SelectBest, kind)

	_, err = markov.ParseSelectorKind("worst")
	assert.ErrorIs(t, err, markov.ErrUnknownSelector)

	scorer, err := markov.ParseScorerKind("time")
	require.NoError(t, err)
	assert.Equal(t, markov.ScoreTime, scorer)

	_, err = markov.ParseScorerKind("never")
	assert.ErrorIs(t, err, chain.ErrConfiguration)

	for _, k := range []markov.SelectorKind{markov.SelectWeighted, markov.SelectBest, markov.SelectRandom} {
		parsed, err := markov.ParseSelectorKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	for _, k := range []markov.ScorerKind{markov.ScoreNone, markov.ScoreWords, markov.ScoreTime} {
		parsed, err := markov.ParseScorerKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	assert.Equal(t, "SelectorKind(9)", markov.SelectorKind(9).String())

	for _, d := range []markov.GrowDirection{markov.GrowForward, markov.GrowBoth} {
		parsed, err := markov.ParseGrowDirection(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
	_, err = markov.ParseGrowDirection("up")
	assert.ErrorIs(t, err, markov.ErrUnknownGrow)
}

func TestNewRejectsLookSizeOfStoredChain(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Config{})

	first, err := markov.New(backend, nil, nil, testOptions(1))
	require.NoError(t, err)
	require.NoError(t, first.Insert(ctx, strings.Fields("a b c")))

	_, err = markov.New(backend, nil, nil, testOptions(2))
	assert.ErrorIs(t, err, markov.ErrInvalidLookSize)
	assert.ErrorIs(t, err, chain.ErrLookSize)
	assert.ErrorIs(t, err, chain.ErrConfiguration)

	again, err := markov.New(backend, nil, nil, testOptions(1))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestProduceRandomStartSkipsDecayedContexts(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	backend := memory.New(memory.Config{
		Clock: func() time.Time { return now },
		Rand:  rand.New(rand.NewPCG(9, 10)),
	})
	gen, err := markov.New(backend, selectors.BestAlways(), scorers.TimeAdjust(10), testOptions(1))
	require.NoError(t, err)
	defer gen.Close()

	require.NoError(t, gen.Insert(ctx, []string{"old", "word"}))
	now = now.Add(time.Hour)
	require.NoError(t, gen.Insert(ctx, []string{"fresh", "word"}))

	for i := 0; i < 50; i++ {
		words, err := gen.Produce(ctx, nil, 5, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh", "word"}, words)
	}
}

func newGrowingGenerator(t *testing.T, look int) markov.Generator {
	t.Helper()
	options := testOptions(look)
	options.Grow = markov.GrowBoth
	gen, err := markov.New(memory.New(memory.Config{}), selectors.BestAlways(), scorers.NoAdjust(), options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gen.Close() })
	return gen
}

func TestProduceGrowsBothWays(t *testing.T) {
	ctx := context.Background()

	gen := newGrowingGenerator(t, 1)
	require.NoError(t, gen.Insert(ctx, strings.Fields("a b c d e")))

	words, err := gen.Produce(ctx, []string{"c"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, words)

	// sides alternate, successor first
	words, err = gen.Produce(ctx, []string{"c"}, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d", "e"}, words)

	// a start without successors still grows backwards
	words, err = gen.Produce(ctx, []string{"e"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, words)

	words, err = gen.Produce(ctx, []string{"z"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, words)

	wide := newGrowingGenerator(t, 2)
	require.NoError(t, wide.Insert(ctx, strings.Fields("a b c d e f")))
	words, err = wide.Produce(ctx, []string{"c", "d"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, words)

	words, err = wide.Produce(ctx, []string{"c", "d"}, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d", "e"}, words)
}

func TestProduceForwardIgnoresPredecessors(t *testing.T) {
	ctx := context.Background()
	gen, _ := newGenerator(t, 1, selectors.BestAlways())
	require.NoError(t, gen.Insert(ctx, strings.Fields("a b c d e")))

	words, err := gen.Produce(ctx, []string{"c"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, words)

	words, err = gen.Produce(ctx, []string{"e"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, words)
}

// failingBackend wraps the memory backend with injectable failures.
type failingBackend struct {
	*memory.Backend
	failAfter  int
	failLookup bool
	inserts    int
	lookups    int
}

var errInjected = errors.New("injected failure")

func (f *failingBackend) Insert(ctx context.Context, scorer chain.Scorer, key chain.Key, next string) error {
	f.inserts++
	if f.failAfter > 0 && f.inserts > f.failAfter {
		return chain.StorageError("insert", errInjected)
	}
	return f.Backend.Insert(ctx, scorer, key, next)
}

func (f *failingBackend) Lookup(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	f.lookups++
	if f.failLookup {
		return nil, chain.StorageError("lookup", errInjected)
	}
	return f.Backend.Lookup(ctx, scorer, key)
}
