package chain

import "context"

// Backend stores snippets keyed by context and serves them back.
//
// Repeated (key, next) observations are merged into one snippet (see
// Snippet.Observe). Every Insert advances the backend clock by one window.
// Implementations serialise their own conflicting mutations; readers may see
// a snapshot that misses concurrent inserts or prunes.
type Backend interface {
	// Insert records one observation of key -> next.
	Insert(ctx context.Context, scorer Scorer, key Key, next string) error

	// Lookup returns the successors recorded for key, scored at the current
	// backend state, in creation order. Snippets whose score decayed to zero
	// are omitted. An unseen key yields an empty slice and no error.
	Lookup(ctx context.Context, scorer Scorer, key Key) ([]Candidate, error)

	// Predecessors returns the words recorded right before key: for every
	// snippet whose context minus its first word, followed by its next
	// word, equals key, a Candidate holding that first word. Scoring,
	// ordering and omission of stale snippets follow Lookup.
	Predecessors(ctx context.Context, scorer Scorer, key Key) ([]Candidate, error)

	// Random returns a stored context that still has a live successor under
	// scorer, or nil when there is none.
	Random(ctx context.Context, scorer Scorer) (Key, error)

	// Contexts returns up to limit stored contexts that start with prefix.
	// A limit of zero or less means no limit.
	Contexts(ctx context.Context, prefix Key, limit int) ([]Key, error)

	// State returns the backend clock.
	State(ctx context.Context) (State, error)

	// Bind records lookSize as the context width of the stored chain the
	// first time it is called. Later calls with a different size fail with
	// ErrLookSize, so one store never mixes contexts of different widths.
	Bind(ctx context.Context, lookSize int) error

	// Prune removes snippets whose score has decayed to zero. It is safe to
	// call at any time, including on an empty backend.
	Prune(ctx context.Context, scorer Scorer) error

	// Close releases the backend. It is safe to call more than once.
	Close() error
}

// Cacheable is a persistent backend that can sit behind a cache. The cache
// reads whole snippet sets per key and writes changed snippets back in batches.
type Cacheable interface {
	Backend

	// Load returns the raw snippets stored for key, in creation order.
	Load(ctx context.Context, key Key) ([]Snippet, error)

	// Store upserts snippets and persists state as the backend clock.
	Store(ctx context.Context, snippets []Snippet, state State) error
}
