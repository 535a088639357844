// Package cache puts a write-back cache in front of any chain.Cacheable.
//
// Contexts that were read are kept in an LRU of clean entries. Inserts
// modify entries in memory and mark them dirty; dirty entries are never
// evicted and are written to the wrapped backend with a single Store call
// once FlushThreshold snippets are dirty, on Flush, and before any operation
// that needs the wrapped backend to be complete (Predecessors, Random,
// Contexts, Prune, Close).
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/logger"
)

const (
	// defaultSize is the number of clean contexts kept when Config.Size is unset.
	defaultSize = 4096

	// defaultFlushThreshold is used when Config.FlushThreshold is unset.
	defaultFlushThreshold = 1024
)

var errClosed = errors.New("cache closed")

// Config holds cache settings. The zero value is usable.
type Config struct {
	// Size is the number of clean contexts kept in memory.
	Size int

	// FlushThreshold is the number of dirty snippets that triggers a flush.
	FlushThreshold int

	// Clock stamps inserts. Defaults to chain.SystemClock.
	Clock chain.Clock

	// Logger receives flush diagnostics.
	Logger *log.Logger
}

// Backend is a chain.Backend that caches a chain.Cacheable. It owns the
// wrapped backend and closes it on Close. All methods are safe for
// concurrent use.
type Backend struct {
	mu        sync.Mutex
	wrapped   chain.Cacheable
	clean     *lru.Cache[string, *entry]
	dirty     map[string]*entry
	pending   int
	threshold int
	state     chain.State
	clock     chain.Clock
	log       *log.Logger
	closed    bool
}

// entry is the cached snippet set of one context.
type entry struct {
	snippets []chain.Snippet
	// changed holds the indexes of snippets not yet stored
	changed map[int]struct{}
}

// New wraps c. The cache clock continues from c's stored state.
func New(c chain.Cacheable, config Config) (*Backend, error) {
	if config.Size <= 0 {
		config.Size = defaultSize
	}
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = defaultFlushThreshold
	}
	if config.Clock == nil {
		config.Clock = chain.SystemClock
	}
	if config.Logger == nil {
		config.Logger = logger.New("cache")
	}

	clean, err := lru.New[string, *entry](config.Size)
	if err != nil {
		return nil, err
	}
	state, err := c.State(context.Background())
	if err != nil {
		return nil, err
	}

	return &Backend{
		wrapped:   c,
		clean:     clean,
		dirty:     make(map[string]*entry),
		threshold: config.FlushThreshold,
		state:     state,
		clock:     config.Clock,
		log:       config.Logger,
	}, nil
}

// Insert records key -> next in the cache. It flushes when enough snippets
// are dirty.
func (b *Backend) Insert(ctx context.Context, scorer chain.Scorer, key chain.Key, next string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return chain.StorageError("cache insert", errClosed)
	}

	encoded := key.Encode()
	e, err := b.entry(ctx, key, encoded)
	if err != nil {
		return err
	}

	b.state = b.state.Tick(b.clock())
	idx := -1
	for i := range e.snippets {
		if e.snippets[i].Next == next {
			e.snippets[i].Observe(scorer, b.state)
			idx = i
			break
		}
	}
	if idx < 0 {
		e.snippets = append(e.snippets, chain.NewSnippet(key, next, b.state))
		idx = len(e.snippets) - 1
	}

	if e.changed == nil {
		e.changed = make(map[int]struct{})
	}
	if _, ok := e.changed[idx]; !ok {
		e.changed[idx] = struct{}{}
		b.pending++
	}
	if _, ok := b.dirty[encoded]; !ok {
		b.clean.Remove(encoded)
		b.dirty[encoded] = e
	}

	if b.pending >= b.threshold {
		return b.flush(ctx)
	}
	return nil
}

// Lookup serves key from the cache, loading it from the wrapped backend on a miss.
func (b *Backend) Lookup(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, chain.StorageError("cache lookup", errClosed)
	}

	e, err := b.entry(ctx, key, key.Encode())
	if err != nil {
		return nil, err
	}
	return chain.Candidates(e.snippets, scorer, b.state.At(b.clock())), nil
}

// Predecessors flushes and asks the wrapped backend.
func (b *Backend) Predecessors(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "cache predecessors"); err != nil {
		return nil, err
	}
	return b.wrapped.Predecessors(ctx, scorer, key)
}

// Random flushes and asks the wrapped backend.
func (b *Backend) Random(ctx context.Context, scorer chain.Scorer) (chain.Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "cache random"); err != nil {
		return nil, err
	}
	return b.wrapped.Random(ctx, scorer)
}

// Contexts flushes and asks the wrapped backend.
func (b *Backend) Contexts(ctx context.Context, prefix chain.Key, limit int) ([]chain.Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "cache contexts"); err != nil {
		return nil, err
	}
	return b.wrapped.Contexts(ctx, prefix, limit)
}

// State returns the cache clock, which is ahead of the wrapped backend's
// until the next flush.
func (b *Backend) State(context.Context) (chain.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return chain.State{}, chain.StorageError("cache state", errClosed)
	}
	return b.state, nil
}

// Bind is answered by the wrapped backend, which holds the stored look size.
func (b *Backend) Bind(ctx context.Context, lookSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return chain.StorageError("cache bind", errClosed)
	}
	return b.wrapped.Bind(ctx, lookSize)
}

// Prune flushes, prunes the wrapped backend and drops every clean entry.
func (b *Backend) Prune(ctx context.Context, scorer chain.Scorer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "cache prune"); err != nil {
		return err
	}
	if err := b.wrapped.Prune(ctx, scorer); err != nil {
		return err
	}
	b.clean.Purge()
	return nil
}

// Flush writes all dirty snippets and the clock to the wrapped backend.
func (b *Backend) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sync(ctx, "cache flush")
}

// Dirty returns the number of snippets waiting for a flush.
func (b *Backend) Dirty() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Close flushes and closes the wrapped backend. The wrapped backend is closed
// even when the flush fails; the flush error is returned.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	flushErr := b.flush(context.Background())
	b.closed = true
	b.clean.Purge()
	b.dirty = nil
	closeErr := b.wrapped.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// sync fails on a closed cache and flushes otherwise. Callers hold mu.
func (b *Backend) sync(ctx context.Context, op string) error {
	if b.closed {
		return chain.StorageError(op, errClosed)
	}
	return b.flush(ctx)
}

// entry returns the cached entry of key, loading it on a miss. Callers hold mu.
func (b *Backend) entry(ctx context.Context, key chain.Key, encoded string) (*entry, error) {
	if e, ok := b.dirty[encoded]; ok {
		return e, nil
	}
	if e, ok := b.clean.Get(encoded); ok {
		return e, nil
	}

	snippets, err := b.wrapped.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	e := &entry{snippets: snippets}
	b.clean.Add(encoded, e)
	return e, nil
}

// flush stores the dirty snippets in one batch. On failure everything stays
// dirty. Callers hold mu.
func (b *Backend) flush(ctx context.Context) error {
	if b.pending == 0 {
		return nil
	}

	batch := make([]chain.Snippet, 0, b.pending)
	for _, e := range b.dirty {
		for idx := range e.changed {
			batch = append(batch, e.snippets[idx])
		}
	}
	if err := b.wrapped.Store(ctx, batch, b.state); err != nil {
		b.log.Warn("flush failed", "snippets", len(batch), "err", err)
		return err
	}

	for encoded, e := range b.dirty {
		e.changed = nil
		b.clean.Add(encoded, e)
	}
	b.dirty = make(map[string]*entry)
	b.pending = 0
	b.log.Debug("flushed", "snippets", len(batch), "clock", b.state.Count)
	return nil
}
