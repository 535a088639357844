// Package markov provides a Markov chain text generator with support for
// multiple storage backends, selection strategies and score decay.
//
// The package separates chain logic from storage concerns through the
// chain.Backend interface, allowing different backends (memory, SQLite,
// PostgreSQL, Redis, Elasticsearch) to be used interchangeably.
// Backends self-register during package initialization.
//
// Basic usage:
//
//	import (
//		"github.com/remiges-tech/markov"
//		"github.com/remiges-tech/markov/backends/sqlite"
//	)
//
//	config := markov.NewConfig(sqlite.Config{Path: "marky.db"})
//	config.Options.LookSize = 2
//	config.Options.Cache = true // optional: write-back cache in front of SQLite
//	gen, err := markov.Open("sqlite", config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gen.Close()
//
//	gen.Insert(ctx, strings.Fields("the quick brown fox jumps over the lazy dog"))
//	words, err := gen.Produce(ctx, []string{"the", "quick"}, 10, 0)
package markov

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/remiges-tech/markov/backends/cache"
	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/logger"
)

// seedExpandSample bounds how many stored contexts are considered when a
// short seed is expanded.
const seedExpandSample = 64

// Generator defines the interface of a Markov chain generator.
// It is safe for concurrent use as far as its backend is.
type Generator interface {
	// Insert records every window of LookSize words in words together with
	// the word that follows it. Sequences of LookSize words or fewer are a
	// no-op. Insert stops at the first backend failure; windows inserted
	// before it stay stored.
	Insert(ctx context.Context, words []string) error

	// Produce walks the chain from seed, or from a random stored context with
	// a live successor when seed is empty, and returns the visited words
	// starting with the seed. With Options.Grow set to GrowBoth it also walks
	// backwards from the first LookSize words, alternating sides, and the
	// result holds the seed somewhere in the middle.
	// It stops once wordLimit words or charLimit characters (spaces excluded)
	// are reached or no side can grow; a zero limit is unbounded but one must
	// be set, otherwise ErrNoLimits is returned. An empty slice means no data
	// matched.
	Produce(ctx context.Context, seed []string, wordLimit, charLimit int) ([]string, error)

	// Prune drops every snippet whose score has decayed to zero.
	Prune(ctx context.Context) error

	// Close releases the backend. It is safe to call multiple times.
	// After Close, other methods return ErrClosed.
	Close() error
}

// generator is the default implementation of Generator.
type generator struct {
	backend  chain.Backend
	selector chain.Selector
	scorer   chain.Scorer
	options  Options
	log      *log.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Generator over backend. The generator owns backend, selector
// and scorer from here on and closes backend on Close. A nil selector or
// scorer is built from options.
//
// New binds options.LookSize to the backend. A backend whose data was built
// with another look size is rejected with ErrInvalidLookSize.
//
//nolint:gocritic // hugeParam: Options is copied once at construction
func New(backend chain.Backend, selector chain.Selector, scorer chain.Scorer, options Options) (Generator, error) {
	if backend == nil {
		return nil, fmt.Errorf("nil backend: %w", chain.ErrConfiguration)
	}
	if options.LookSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLookSize, options.LookSize)
	}
	if err := backend.Bind(context.Background(), options.LookSize); err != nil {
		if errors.Is(err, chain.ErrLookSize) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLookSize, err)
		}
		return nil, err
	}

	var err error
	if selector == nil {
		if selector, err = options.NewSelector(); err != nil {
			return nil, err
		}
	}
	if scorer == nil {
		if scorer, err = options.NewScorer(); err != nil {
			return nil, err
		}
	}

	l := options.Logger
	if l == nil {
		l = logger.New("markov")
	}

	// seed expansion draws from its own source; options.Rand may already
	// belong to the selector
	var rng *rand.Rand
	if options.Rand != nil {
		rng = rand.New(rand.NewPCG(options.Rand.Uint64(), options.Rand.Uint64()))
	}

	return &generator{
		backend:  backend,
		selector: selector,
		scorer:   scorer,
		options:  options,
		log:      l,
		rng:      rng,
	}, nil
}

// Insert records the windows of words.
// See Generator.Insert for details.
func (g *generator) Insert(ctx context.Context, words []string) error {
	if g.closed.Load() {
		return ErrClosed
	}

	look := g.options.LookSize
	windows := 0
	for i := 0; i+look < len(words); i++ {
		key := chain.Key(words[i : i+look])
		if err := g.backend.Insert(ctx, g.scorer, key, words[i+look]); err != nil {
			g.log.Debug("insert interrupted", "window", i, "inserted", windows, "err", err)
			return fmt.Errorf("insert window %d: %w", i, err)
		}
		windows++
	}

	g.log.Debug("inserted", "words", len(words), "windows", windows)
	return nil
}

// Produce walks the chain.
// See Generator.Produce for details.
func (g *generator) Produce(ctx context.Context, seed []string, wordLimit, charLimit int) ([]string, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	if wordLimit < 0 || charLimit < 0 {
		return nil, fmt.Errorf("%w: words=%d chars=%d", ErrInvalidLimit, wordLimit, charLimit)
	}
	if wordLimit == 0 && charLimit == 0 {
		return nil, ErrNoLimits
	}

	start, err := g.start(ctx, seed)
	if err != nil {
		return nil, err
	}
	if len(start) == 0 {
		return []string{}, nil
	}

	look := g.options.LookSize
	both := g.options.Grow == GrowBoth

	right := append(make(chain.Key, 0, look), start[len(start)-look:]...)
	next, err := g.backend.Lookup(ctx, g.scorer, right)
	if err != nil {
		return nil, err
	}
	var (
		left chain.Key
		prev []chain.Candidate
	)
	if both {
		left = append(make(chain.Key, 0, look), start[:look]...)
		if prev, err = g.backend.Predecessors(ctx, g.scorer, left); err != nil {
			return nil, err
		}
	}
	if len(next) == 0 && len(prev) == 0 {
		g.log.Debug("no neighbours for start", "context", right)
		return []string{}, nil
	}

	p := producer{wordLimit: wordLimit, charLimit: charLimit}
	for _, word := range start {
		if p.done() {
			return p.result(), nil
		}
		p.push(word)
	}

	for !p.done() && (len(next) > 0 || len(prev) > 0) {
		if len(next) > 0 {
			word := g.selector.Select(next).Next
			p.push(word)
			copy(right, right[1:])
			right[look-1] = word

			if p.done() {
				break
			}
			if next, err = g.backend.Lookup(ctx, g.scorer, right); err != nil {
				return nil, err
			}
		}

		if len(prev) > 0 {
			word := g.selector.Select(prev).Next
			p.pushFront(word)
			copy(left[1:], left[:look-1])
			left[0] = word

			if p.done() {
				break
			}
			if prev, err = g.backend.Predecessors(ctx, g.scorer, left); err != nil {
				return nil, err
			}
		}
	}

	g.log.Debug("produced", "words", p.len(), "chars", p.chars, "grow", g.options.Grow)
	return p.result(), nil
}

// start resolves the first words of a production: the seed, its expansion,
// or a random stored context. An empty result means there is nothing to walk.
func (g *generator) start(ctx context.Context, seed []string) ([]string, error) {
	look := g.options.LookSize

	if len(seed) == 0 {
		key, err := g.backend.Random(ctx, g.scorer)
		if err != nil {
			return nil, err
		}
		if len(key) < look {
			return nil, nil
		}
		return key, nil
	}

	if len(seed) >= look {
		return append([]string(nil), seed...), nil
	}

	if g.options.SeedPolicy != SeedExpand {
		return nil, fmt.Errorf("%w: %d words, look size %d", ErrSeedTooShort, len(seed), look)
	}

	keys, err := g.backend.Contexts(ctx, chain.Key(seed), seedExpandSample)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		g.log.Debug("no context expands seed", "seed", strings.Join(seed, " "))
		return nil, nil
	}
	return keys[g.intN(len(keys))], nil
}

func (g *generator) intN(n int) int {
	if g.rng == nil {
		return rand.IntN(n)
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.IntN(n)
}

// Prune drops stale snippets.
// See Generator.Prune for details.
func (g *generator) Prune(ctx context.Context) error {
	if g.closed.Load() {
		return ErrClosed
	}
	if err := g.backend.Prune(ctx, g.scorer); err != nil {
		return err
	}
	g.log.Debug("pruned")
	return nil
}

// Close releases the backend.
// See Generator.Close for details.
func (g *generator) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		g.closeErr = g.backend.Close()
	})
	return g.closeErr
}

// producer accumulates output words and tracks the limits. Words grown
// backwards are kept in front, nearest first.
type producer struct {
	front     []string
	words     []string
	chars     int
	wordLimit int
	charLimit int
}

func (p *producer) push(word string) {
	p.words = append(p.words, word)
	p.chars += utf8.RuneCountInString(word)
}

func (p *producer) pushFront(word string) {
	p.front = append(p.front, word)
	p.chars += utf8.RuneCountInString(word)
}

func (p *producer) len() int {
	return len(p.front) + len(p.words)
}

func (p *producer) done() bool {
	if p.wordLimit > 0 && p.len() >= p.wordLimit {
		return true
	}
	return p.charLimit > 0 && p.chars >= p.charLimit
}

// result returns the words in reading order.
func (p *producer) result() []string {
	out := make([]string, 0, p.len())
	for i := len(p.front) - 1; i >= 0; i-- {
		out = append(out, p.front[i])
	}
	return append(out, p.words...)
}

// Open creates a Generator over a registered backend.
// The backendType must be registered (case-insensitive). Config contains
// both backend-specific settings and common options.
// Returns ErrBackendNotFound if the backend is not registered.
//
// Example:
//
//	import _ "github.com/remiges-tech/markov/backends/redis"
//
//	config := markov.NewConfig(redis.Config{Addr: "localhost:6379"})
//	gen, err := markov.Open("redis", config)
//
//nolint:gocritic // hugeParam: Config is copied once at startup
func Open(backendType string, config Config) (Generator, error) {
	factory, exists := backendFactories[strings.ToLower(backendType)]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, backendType)
	}

	backend, err := factory(config.BackendConfig)
	if err != nil {
		return nil, err
	}

	options := config.Options
	if options.Cache {
		cacheable, ok := backend.(chain.Cacheable)
		if !ok {
			_ = backend.Close()
			return nil, fmt.Errorf("%w: %s", ErrNotCacheable, backendType)
		}
		cached, err := cache.New(cacheable, cache.Config{
			Size:           options.CacheSize,
			FlushThreshold: options.FlushThreshold,
			Logger:         options.Logger,
		})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = cached
	}

	gen, err := New(backend, nil, nil, options)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return gen, nil
}

// BackendFactory creates a Backend instance from a configuration.
// The factory must type-assert the config parameter to its expected type.
type BackendFactory func(config interface{}) (chain.Backend, error)

// backendFactories holds the registered backend factories.
var backendFactories = make(map[string]BackendFactory)

// RegisterBackend registers a new backend factory.
// Typically called from a backend's init() function. The name is
// case-insensitive. Registering with an existing name overwrites it.
//
// Example:
//
//	package mybackend
//
//	func init() {
//	    markov.RegisterBackend("mybackend", NewBackend)
//	}
//
//	func NewBackend(config interface{}) (chain.Backend, error) {
//	    cfg, ok := config.(Config)
//	    if !ok {
//	        return nil, fmt.Errorf("invalid config type %T: %w", config, chain.ErrConfiguration)
//	    }
//	    return New(cfg)
//	}
//
// Not safe to call after init(); registration is expected to happen during
// package initialization only.
func RegisterBackend(name string, factory BackendFactory) {
	backendFactories[strings.ToLower(name)] = factory
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
