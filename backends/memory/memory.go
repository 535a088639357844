// Package memory implements a volatile markov backend. Everything it holds is
// lost when it is closed.
//
// Contexts are indexed in a patricia trie keyed by their encoded form, which
// makes prefix queries (Contexts) a subtree walk. A second map indexes
// contexts by the window that follows them, for Predecessors.
package memory

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tchap/go-patricia/v2/patricia"

	"github.com/remiges-tech/markov/chain"
)

// errStopVisit ends a trie walk once enough contexts were collected.
var errStopVisit = errors.New("stop visit")

// randomDraws is the number of uniform draws Random tries before it falls
// back to scanning every context.
const randomDraws = 8

// Config holds optional settings for the memory backend.
type Config struct {
	// Clock stamps inserts with wall time. Defaults to chain.SystemClock.
	Clock chain.Clock

	// Rand picks random start contexts. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// Backend is the volatile backend. All methods are safe for concurrent use.
type Backend struct {
	mu    sync.RWMutex
	trie  *patricia.Trie
	keys  []*bucket
	state chain.State
	clock chain.Clock
	rng   *rand.Rand

	// prevs maps an encoded tail (see chain.Tail) to the contexts that lead
	// into it.
	prevs map[string]map[*bucket]struct{}

	lookSize int
	closed   bool
}

// bucket is the snippet set of one context. pos is its index in Backend.keys.
type bucket struct {
	key      chain.Key
	encoded  string
	snippets []chain.Snippet
	pos      int
}

// New creates an empty memory backend.
func New(config Config) *Backend {
	if config.Clock == nil {
		config.Clock = chain.SystemClock
	}
	if config.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		config.Rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return &Backend{
		trie:  patricia.NewTrie(),
		prevs: make(map[string]map[*bucket]struct{}),
		clock: config.Clock,
		rng:   config.Rand,
		state: chain.State{Time: config.Clock().Unix()},
	}
}

// Insert records key -> next, merging with an existing snippet.
func (b *Backend) Insert(_ context.Context, scorer chain.Scorer, key chain.Key, next string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return chain.StorageError("memory insert", errClosed)
	}

	b.state = b.state.Tick(b.clock())
	bk := b.bucketFor(key)
	for i := range bk.snippets {
		if bk.snippets[i].Next == next {
			bk.snippets[i].Observe(scorer, b.state)
			return nil
		}
	}
	bk.snippets = append(bk.snippets, chain.NewSnippet(key, next, b.state))
	b.link(bk, next)
	return nil
}

// Lookup returns the live successors of key.
func (b *Backend) Lookup(_ context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, chain.StorageError("memory lookup", errClosed)
	}

	bk := b.get(key.Encode())
	if bk == nil {
		return []chain.Candidate{}, nil
	}
	return chain.Candidates(bk.snippets, scorer, b.state.At(b.clock())), nil
}

// Predecessors returns the first words of the contexts that lead into key.
func (b *Backend) Predecessors(_ context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, chain.StorageError("memory predecessors", errClosed)
	}
	if len(key) == 0 {
		return []chain.Candidate{}, nil
	}

	next := key[len(key)-1]
	var snippets []chain.Snippet
	for bk := range b.prevs[key.Encode()] {
		for i := range bk.snippets {
			if bk.snippets[i].Next == next {
				snippets = append(snippets, bk.snippets[i])
			}
		}
	}
	return chain.Predecessors(snippets, scorer, b.state.At(b.clock())), nil
}

// Random returns a context with a live successor, chosen uniformly among
// those, or nil when there is none.
func (b *Backend) Random(_ context.Context, scorer chain.Scorer) (chain.Key, error) {
	// the random source is not safe for concurrent use, so take the write lock
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, chain.StorageError("memory random", errClosed)
	}
	if len(b.keys) == 0 {
		return nil, nil
	}

	now := b.state.At(b.clock())
	for i := 0; i < randomDraws; i++ {
		bk := b.keys[b.rng.IntN(len(b.keys))]
		if chain.Live(bk.snippets, scorer, now) {
			return bk.key.Clone(), nil
		}
	}

	// the first live bucket of a random permutation is uniform among live ones
	for _, i := range b.rng.Perm(len(b.keys)) {
		if chain.Live(b.keys[i].snippets, scorer, now) {
			return b.keys[i].key.Clone(), nil
		}
	}
	return nil, nil
}

// Contexts walks the trie below prefix.
func (b *Backend) Contexts(_ context.Context, prefix chain.Key, limit int) ([]chain.Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, chain.StorageError("memory contexts", errClosed)
	}

	keys := []chain.Key{}
	visit := func(_ patricia.Prefix, item patricia.Item) error {
		keys = append(keys, item.(*bucket).key.Clone())
		if limit > 0 && len(keys) >= limit {
			return errStopVisit
		}
		return nil
	}
	var err error
	if len(prefix) == 0 {
		err = b.trie.Visit(visit)
	} else {
		err = b.trie.VisitSubtree(patricia.Prefix(prefix.Encode()), visit)
	}
	if err != nil && !errors.Is(err, errStopVisit) {
		return nil, chain.StorageError("memory contexts", err)
	}
	return keys, nil
}

// State returns the backend clock.
func (b *Backend) State(context.Context) (chain.State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state, nil
}

// Bind records the look size on first use.
func (b *Backend) Bind(_ context.Context, lookSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := chain.CheckLookSize(b.lookSize, lookSize); err != nil {
		return err
	}
	b.lookSize = lookSize
	return nil
}

// Prune drops snippets that decayed to zero and contexts left without any.
func (b *Backend) Prune(_ context.Context, scorer chain.Scorer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return chain.StorageError("memory prune", errClosed)
	}

	now := b.state.At(b.clock())
	for i := len(b.keys) - 1; i >= 0; i-- {
		bk := b.keys[i]
		live := bk.snippets[:0]
		for _, s := range bk.snippets {
			if s.Stale(scorer, now) {
				b.unlink(bk, s.Next)
				continue
			}
			live = append(live, s)
		}
		bk.snippets = live
		if len(live) == 0 {
			b.remove(bk)
		}
	}
	return nil
}

// Load returns a copy of the raw snippets stored for key.
func (b *Backend) Load(_ context.Context, key chain.Key) ([]chain.Snippet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, chain.StorageError("memory load", errClosed)
	}

	bk := b.get(key.Encode())
	if bk == nil {
		return []chain.Snippet{}, nil
	}
	out := make([]chain.Snippet, len(bk.snippets))
	copy(out, bk.snippets)
	return out, nil
}

// Store upserts snippets and replaces the clock with state.
func (b *Backend) Store(_ context.Context, snippets []chain.Snippet, state chain.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return chain.StorageError("memory store", errClosed)
	}

	for _, s := range snippets {
		bk := b.bucketFor(s.Key)
		replaced := false
		for i := range bk.snippets {
			if bk.snippets[i].Next == s.Next {
				bk.snippets[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			bk.snippets = append(bk.snippets, s)
			chain.SortSnippets(bk.snippets)
			b.link(bk, s.Next)
		}
	}
	b.state = state
	return nil
}

// Close drops all data. Later calls fail.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.trie = patricia.NewTrie()
	b.keys = nil
	b.prevs = nil
	return nil
}

// Len returns the number of stored contexts.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.keys)
}

func (b *Backend) get(encoded string) *bucket {
	item := b.trie.Get(patricia.Prefix(encoded))
	if item == nil {
		return nil
	}
	return item.(*bucket)
}

// bucketFor returns the bucket for key, creating it if needed. Callers hold
// the write lock.
func (b *Backend) bucketFor(key chain.Key) *bucket {
	encoded := key.Encode()
	if bk := b.get(encoded); bk != nil {
		return bk
	}
	bk := &bucket{key: key.Clone(), encoded: encoded, pos: len(b.keys)}
	b.trie.Insert(patricia.Prefix(encoded), bk)
	b.keys = append(b.keys, bk)
	return bk
}

// link indexes bk under the tail it forms with next. Callers hold the write
// lock.
func (b *Backend) link(bk *bucket, next string) {
	tail := chain.Tail(bk.key, next).Encode()
	set, ok := b.prevs[tail]
	if !ok {
		set = make(map[*bucket]struct{})
		b.prevs[tail] = set
	}
	set[bk] = struct{}{}
}

func (b *Backend) unlink(bk *bucket, next string) {
	tail := chain.Tail(bk.key, next).Encode()
	if set, ok := b.prevs[tail]; ok {
		delete(set, bk)
		if len(set) == 0 {
			delete(b.prevs, tail)
		}
	}
}

// remove drops bk from the trie and swaps it out of keys.
func (b *Backend) remove(bk *bucket) {
	b.trie.Delete(patricia.Prefix(bk.encoded))
	last := b.keys[len(b.keys)-1]
	b.keys[bk.pos] = last
	last.pos = bk.pos
	b.keys = b.keys[:len(b.keys)-1]
}

var errClosed = errors.New("backend closed")
