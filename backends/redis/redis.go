// Package redis implements a persistent markov backend in Redis.
//
// Layout, for namespace ns:
//
//	ns:ctx           sorted set of encoded contexts, all at score 0, so that
//	                 ZRANGEBYLEX answers prefix queries
//	ns:snip:<ctx>    hash next -> msgpack snippet record
//	ns:prev:<tail>   set of encoded contexts whose snippet forms tail (see
//	                 chain.Tail), for Predecessors
//	ns:state         hash with the backend clock (time, count) and the look
//	                 size (look)
//
// Inserts and prunes run optimistically under WATCH on the state hash, so
// several processes can share one namespace.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/logger"
)

const (
	// defaultNamespace prefixes every key when Config.Namespace is empty.
	defaultNamespace = "markov"

	// suffixContexts is the sorted set of encoded contexts.
	suffixContexts = ":ctx"

	// infixSnippets prefixes the per-context snippet hashes.
	infixSnippets = ":snip:"

	// infixPrevs prefixes the per-tail predecessor sets.
	infixPrevs = ":prev:"

	// suffixState is the clock hash.
	suffixState = ":state"

	// fieldTime and fieldCount are the clock hash fields.
	fieldTime  = "time"
	fieldCount = "count"

	// fieldLook holds the look size the namespace was bound to.
	fieldLook = "look"

	// lexicographicMaxChar is the lexicographic maximum character for ZRANGEBYLEX upper bound.
	lexicographicMaxChar = "\xff"

	// maxWatchRetries bounds optimistic retries when other writers race an
	// insert or a prune.
	maxWatchRetries = 16

	// randomDraws is the number of random contexts Random checks before it
	// scans for live ones.
	randomDraws = 8
)

// Config holds Redis connection parameters.
type Config struct {
	// Addr is the Redis server address in the format "host:port".
	Addr string

	// Password is the Redis password (empty string for no password).
	Password string

	// DB is the Redis database number (0-15, default is 0).
	// Redis Cluster only supports DB 0.
	DB int

	// Namespace prefixes all keys, so several chains can share a database.
	// Default: "markov".
	Namespace string

	// Clock stamps inserts. Defaults to chain.SystemClock.
	Clock chain.Clock

	// Logger receives prune diagnostics.
	Logger *log.Logger
}

// record is the stored form of a snippet; the context and next word live in
// the hash key and field.
type record struct {
	Score     uint64 `msgpack:"s"`
	SeenTime  int64  `msgpack:"t"`
	SeenCount uint64 `msgpack:"c"`
	Created   uint64 `msgpack:"o"`
}

// Backend implements chain.Cacheable using Redis.
// All methods are safe for concurrent use.
type Backend struct {
	client *redis.Client
	ns     string
	clock  chain.Clock
	log    *log.Logger

	// serialises prune against inserts from this process
	mu sync.Mutex

	// afterPruneScan, when set, runs between the prune scan and its deletes.
	afterPruneScan func()
}

// New creates a Redis backend with the given configuration.
// It establishes a connection to Redis and verifies connectivity with a PING
// command; failure is reported as chain.ErrIO.
func New(config Config) (*Backend, error) {
	if config.Namespace == "" {
		config.Namespace = defaultNamespace
	}
	if config.Clock == nil {
		config.Clock = chain.SystemClock
	}
	if config.Logger == nil {
		config.Logger = logger.New("redis")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password, // pragma: allowlist secret
		DB:       config.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, chain.IOError("redis "+config.Addr, err)
	}

	b := &Backend{
		client: client,
		ns:     config.Namespace,
		clock:  config.Clock,
		log:    config.Logger,
	}
	if err := client.HSetNX(ctx, b.stateKey(), fieldTime, config.Clock().Unix()).Err(); err != nil {
		_ = client.Close()
		return nil, chain.StorageError("redis init state", err)
	}
	if err := client.HSetNX(ctx, b.stateKey(), fieldCount, 0).Err(); err != nil {
		_ = client.Close()
		return nil, chain.StorageError("redis init state", err)
	}
	return b, nil
}

// Insert records key -> next and advances the clock in one MULTI/EXEC,
// retried while other writers change the clock underneath it.
func (b *Backend) Insert(ctx context.Context, scorer chain.Scorer, key chain.Key, next string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded := key.Encode()
	snippetKey := b.snippetKey(encoded)

	txf := func(tx *redis.Tx) error {
		state, err := b.readState(ctx, tx)
		if err != nil {
			return err
		}
		now := state.Tick(b.clock())

		snippet, found, err := readSnippet(ctx, tx, snippetKey, key, next)
		if err != nil {
			return err
		}
		if found {
			snippet.Observe(scorer, now)
		} else {
			snippet = chain.NewSnippet(key, next, now)
		}
		data, err := encodeRecord(snippet)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, snippetKey, next, data)
			pipe.ZAdd(ctx, b.contextsKey(), &redis.Z{Score: 0, Member: encoded})
			pipe.SAdd(ctx, b.prevsKey(chain.Tail(key, next)), encoded)
			pipe.HSet(ctx, b.stateKey(), fieldTime, now.Time, fieldCount, now.Count)
			return nil
		})
		return err
	}

	return b.watch(ctx, "redis insert", txf)
}

// watch runs txf under WATCH on the state hash, retrying while other writers
// change the clock underneath it.
func (b *Backend) watch(ctx context.Context, op string, txf func(*redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := b.client.Watch(ctx, txf, b.stateKey())
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return chain.StorageError(op, err)
		}
	}
	return chain.StorageError(op, fmt.Errorf("clock contended after %d attempts", maxWatchRetries))
}

// Lookup returns the live successors of key scored at the current time.
func (b *Backend) Lookup(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	state, err := b.readState(ctx, b.client)
	if err != nil {
		return nil, err
	}
	snippets, err := b.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return chain.Candidates(snippets, scorer, state.At(b.clock())), nil
}

// Predecessors returns the first words of the contexts that lead into key.
func (b *Backend) Predecessors(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	if len(key) == 0 {
		return []chain.Candidate{}, nil
	}
	state, err := b.readState(ctx, b.client)
	if err != nil {
		return nil, err
	}

	members, err := b.client.SMembers(ctx, b.prevsKey(key)).Result()
	if err != nil {
		return nil, chain.StorageError("redis predecessors", err)
	}

	next := key[len(key)-1]
	snippets := make([]chain.Snippet, 0, len(members))
	for _, encoded := range members {
		prev, err := chain.DecodeKey(encoded)
		if err != nil {
			return nil, chain.StorageError("redis predecessors", err)
		}
		snippet, found, err := readSnippet(ctx, b.client, b.snippetKey(encoded), prev, next)
		if err != nil {
			return nil, chain.StorageError("redis predecessors", err)
		}
		if found {
			snippets = append(snippets, snippet)
		}
	}
	return chain.Predecessors(snippets, scorer, state.At(b.clock())), nil
}

// Random returns a context with a live successor, or nil when there is
// none. It draws a few contexts with ZRANDMEMBER and falls back to scanning
// the context set in random order when all of them have decayed.
func (b *Backend) Random(ctx context.Context, scorer chain.Scorer) (chain.Key, error) {
	state, err := b.readState(ctx, b.client)
	if err != nil {
		return nil, err
	}
	now := state.At(b.clock())

	for i := 0; i < randomDraws; i++ {
		members, err := b.client.ZRandMember(ctx, b.contextsKey(), 1, false).Result()
		if err != nil {
			return nil, chain.StorageError("redis random", err)
		}
		if len(members) == 0 {
			return nil, nil
		}
		key, live, err := b.live(ctx, scorer, now, members[0])
		if err != nil {
			return nil, err
		}
		if live {
			return key, nil
		}
	}

	members, err := b.client.ZRange(ctx, b.contextsKey(), 0, -1).Result()
	if err != nil {
		return nil, chain.StorageError("redis random", err)
	}
	for _, i := range rand.Perm(len(members)) {
		key, live, err := b.live(ctx, scorer, now, members[i])
		if err != nil {
			return nil, err
		}
		if live {
			return key, nil
		}
	}
	return nil, nil
}

// live decodes encoded and reports whether its context has a live snippet.
func (b *Backend) live(ctx context.Context, scorer chain.Scorer, now chain.State, encoded string) (chain.Key, bool, error) {
	key, err := chain.DecodeKey(encoded)
	if err != nil {
		return nil, false, chain.StorageError("redis random", err)
	}
	snippets, err := b.Load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return key, chain.Live(snippets, scorer, now), nil
}

// Contexts returns stored contexts starting with prefix, in byte order.
func (b *Backend) Contexts(ctx context.Context, prefix chain.Key, limit int) ([]chain.Key, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if len(prefix) > 0 {
		encoded := prefix.Encode()
		by.Min = createLexicographicStartKey(encoded)
		by.Max = createLexicographicEndKey(encoded)
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	members, err := b.client.ZRangeByLex(ctx, b.contextsKey(), by).Result()
	if err != nil {
		return nil, chain.StorageError("redis contexts", err)
	}

	keys := make([]chain.Key, 0, len(members))
	for _, m := range members {
		key, err := chain.DecodeKey(m)
		if err != nil {
			return nil, chain.StorageError("redis contexts", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// State returns the stored clock.
func (b *Backend) State(ctx context.Context) (chain.State, error) {
	return b.readState(ctx, b.client)
}

// Bind stores lookSize in the state hash unless one is stored already, then
// checks it against the stored value.
func (b *Backend) Bind(ctx context.Context, lookSize int) error {
	if err := b.client.HSetNX(ctx, b.stateKey(), fieldLook, lookSize).Err(); err != nil {
		return chain.StorageError("redis bind look size", err)
	}
	raw, err := b.client.HGet(ctx, b.stateKey(), fieldLook).Result()
	if err != nil {
		return chain.StorageError("redis bind look size", err)
	}
	stored, err := strconv.Atoi(raw)
	if err != nil {
		return chain.StorageError("redis bind look size", err)
	}
	return chain.CheckLookSize(stored, lookSize)
}

// Prune deletes stale snippets, and contexts left without snippets. The scan
// and the deletes run under WATCH on the state hash, so an insert that lands
// in between restarts the prune instead of being deleted with stale data.
func (b *Backend) Prune(ctx context.Context, scorer chain.Scorer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	txf := func(tx *redis.Tx) error {
		pruned = 0
		state, err := b.readState(ctx, tx)
		if err != nil {
			return err
		}
		now := state.At(b.clock())

		members, err := tx.ZRange(ctx, b.contextsKey(), 0, -1).Result()
		if err != nil {
			return err
		}

		type staleSet struct {
			encoded string
			key     chain.Key
			nexts   []string
			all     bool
		}
		var found []staleSet
		for _, encoded := range members {
			raw, err := tx.HGetAll(ctx, b.snippetKey(encoded)).Result()
			if err != nil {
				return err
			}

			var stale []string
			for next, data := range raw {
				snippet, err := decodeRecord(data)
				if err != nil {
					return err
				}
				if snippet.Stale(scorer, now) {
					stale = append(stale, next)
				}
			}
			if len(stale) == 0 {
				continue
			}
			key, err := chain.DecodeKey(encoded)
			if err != nil {
				return err
			}
			pruned += len(stale)
			found = append(found, staleSet{encoded: encoded, key: key, nexts: stale, all: len(stale) == len(raw)})
		}
		if pruned == 0 {
			return nil
		}
		if b.afterPruneScan != nil {
			b.afterPruneScan()
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, f := range found {
				for _, next := range f.nexts {
					pipe.SRem(ctx, b.prevsKey(chain.Tail(f.key, next)), f.encoded)
				}
				if f.all {
					pipe.Del(ctx, b.snippetKey(f.encoded))
					pipe.ZRem(ctx, b.contextsKey(), f.encoded)
				} else {
					pipe.HDel(ctx, b.snippetKey(f.encoded), f.nexts...)
				}
			}
			return nil
		})
		return err
	}

	if err := b.watch(ctx, "redis prune", txf); err != nil {
		return err
	}
	if pruned > 0 {
		b.log.Debug("pruned snippets", "count", pruned)
	}
	return nil
}

// Load returns the raw snippets of key in creation order.
func (b *Backend) Load(ctx context.Context, key chain.Key) ([]chain.Snippet, error) {
	raw, err := b.client.HGetAll(ctx, b.snippetKey(key.Encode())).Result()
	if err != nil {
		return nil, chain.StorageError("redis load", err)
	}

	snippets := make([]chain.Snippet, 0, len(raw))
	for next, data := range raw {
		snippet, err := decodeRecord(data)
		if err != nil {
			return nil, chain.StorageError("redis load", err)
		}
		snippet.Key = key.Clone()
		snippet.Next = next
		snippets = append(snippets, snippet)
	}
	chain.SortSnippets(snippets)
	return snippets, nil
}

// Store writes snippets and the clock in one MULTI/EXEC.
func (b *Backend) Store(ctx context.Context, snippets []chain.Snippet, state chain.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range snippets {
			data, err := encodeRecord(snippets[i])
			if err != nil {
				return err
			}
			encoded := snippets[i].Key.Encode()
			pipe.HSet(ctx, b.snippetKey(encoded), snippets[i].Next, data)
			pipe.ZAdd(ctx, b.contextsKey(), &redis.Z{Score: 0, Member: encoded})
			pipe.SAdd(ctx, b.prevsKey(chain.Tail(snippets[i].Key, snippets[i].Next)), encoded)
		}
		pipe.HSet(ctx, b.stateKey(), fieldTime, state.Time, fieldCount, state.Count)
		return nil
	})
	if err != nil {
		return chain.StorageError("redis store", err)
	}
	return nil
}

// DeleteAll removes every key of the namespace.
// This operation is irreversible.
func (b *Backend) DeleteAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, err := b.client.ZRange(ctx, b.contextsKey(), 0, -1).Result()
	if err != nil {
		return chain.StorageError("redis delete all", err)
	}
	pipe := b.client.TxPipeline()
	for _, encoded := range members {
		key, err := chain.DecodeKey(encoded)
		if err != nil {
			return chain.StorageError("redis delete all", err)
		}
		nexts, err := b.client.HKeys(ctx, b.snippetKey(encoded)).Result()
		if err != nil {
			return chain.StorageError("redis delete all", err)
		}
		for _, next := range nexts {
			pipe.Del(ctx, b.prevsKey(chain.Tail(key, next)))
		}
		pipe.Del(ctx, b.snippetKey(encoded))
	}
	pipe.Del(ctx, b.contextsKey())
	pipe.HSet(ctx, b.stateKey(), fieldTime, b.clock().Unix(), fieldCount, 0)
	pipe.HDel(ctx, b.stateKey(), fieldLook)
	if _, err := pipe.Exec(ctx); err != nil {
		return chain.StorageError("redis delete all", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) contextsKey() string {
	return b.ns + suffixContexts
}

func (b *Backend) snippetKey(encoded string) string {
	return b.ns + infixSnippets + encoded
}

func (b *Backend) prevsKey(tail chain.Key) string {
	return b.ns + infixPrevs + tail.Encode()
}

func (b *Backend) stateKey() string {
	return b.ns + suffixState
}

// hashReader is satisfied by *redis.Client and *redis.Tx.
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (b *Backend) readState(ctx context.Context, c hashReader) (chain.State, error) {
	values, err := c.HMGet(ctx, b.stateKey(), fieldTime, fieldCount).Result()
	if err != nil {
		return chain.State{}, chain.StorageError("redis read state", err)
	}

	var state chain.State
	if s, ok := values[0].(string); ok {
		if state.Time, err = strconv.ParseInt(s, 10, 64); err != nil {
			return chain.State{}, chain.StorageError("redis read state", err)
		}
	}
	if s, ok := values[1].(string); ok {
		if state.Count, err = strconv.ParseUint(s, 10, 64); err != nil {
			return chain.State{}, chain.StorageError("redis read state", err)
		}
	}
	return state, nil
}

func readSnippet(ctx context.Context, c hashReader, snippetKey string, key chain.Key, next string) (chain.Snippet, bool, error) {
	data, err := c.HGet(ctx, snippetKey, next).Result()
	if errors.Is(err, redis.Nil) {
		return chain.Snippet{}, false, nil
	}
	if err != nil {
		return chain.Snippet{}, false, err
	}
	snippet, err := decodeRecord(data)
	if err != nil {
		return chain.Snippet{}, false, err
	}
	snippet.Key = key.Clone()
	snippet.Next = next
	return snippet, true, nil
}

func encodeRecord(s chain.Snippet) ([]byte, error) {
	return msgpack.Marshal(record{
		Score:     s.Score,
		SeenTime:  s.Seen.Time,
		SeenCount: s.Seen.Count,
		Created:   s.Created,
	})
}

func decodeRecord(data string) (chain.Snippet, error) {
	var r record
	if err := msgpack.Unmarshal([]byte(data), &r); err != nil {
		return chain.Snippet{}, fmt.Errorf("decode snippet record: %w", err)
	}
	return chain.Snippet{
		Score:   r.Score,
		Seen:    chain.State{Time: r.SeenTime, Count: r.SeenCount},
		Created: r.Created,
	}, nil
}

func createLexicographicStartKey(query string) string {
	return fmt.Sprintf("[%s", query)
}

func createLexicographicEndKey(query string) string {
	return fmt.Sprintf("[%s%s", query, lexicographicMaxChar)
}
