// Package sqlstore implements chain.Cacheable on top of database/sql. The
// sqlite and postgres backends wrap it with their own driver and dialect.
//
// Schema:
//
//	markov_state    one row: clock_time, clock_count, look_size
//	markov_snippets (context, next) -> tail, score, seen_time, seen_count, created
//
// tail is the encoded window that follows the snippet (chain.Tail) and
// serves Predecessors.
//
// Every Insert runs in its own transaction that updates the snippet and the
// clock together, so an interrupted batch leaves earlier windows stored.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/logger"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	// Name is used in error messages and logs.
	Name string

	// Numbered switches ? placeholders to $1, $2, ...
	Numbered bool

	// LockState is appended to the clock read inside an insert transaction.
	LockState string
}

// Dialects of the bundled backends.
var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true, LockState: " FOR UPDATE"}
)

const (
	querySchemaState = `CREATE TABLE IF NOT EXISTS markov_state (
		id INTEGER PRIMARY KEY,
		clock_time BIGINT NOT NULL,
		clock_count BIGINT NOT NULL,
		look_size BIGINT NOT NULL DEFAULT 0
	)`

	querySchemaSnippets = `CREATE TABLE IF NOT EXISTS markov_snippets (
		context TEXT NOT NULL,
		next TEXT NOT NULL,
		tail TEXT NOT NULL,
		score BIGINT NOT NULL,
		seen_time BIGINT NOT NULL,
		seen_count BIGINT NOT NULL,
		created BIGINT NOT NULL,
		PRIMARY KEY (context, next)
	)`

	querySchemaCreatedIndex = `CREATE INDEX IF NOT EXISTS markov_snippets_created ON markov_snippets (created)`

	querySchemaTailIndex = `CREATE INDEX IF NOT EXISTS markov_snippets_tail ON markov_snippets (tail)`

	queryInitState = `INSERT INTO markov_state (id, clock_time, clock_count) VALUES (1, ?, 0)
		ON CONFLICT (id) DO NOTHING`

	queryGetState = `SELECT clock_time, clock_count FROM markov_state WHERE id = 1`

	queryUpdateState = `UPDATE markov_state SET clock_time = ?, clock_count = ? WHERE id = 1`

	queryBindLookSize = `UPDATE markov_state SET look_size = ? WHERE id = 1 AND look_size = 0`

	queryGetLookSize = `SELECT look_size FROM markov_state WHERE id = 1`

	queryGetSnippet = `SELECT score, seen_time, seen_count, created FROM markov_snippets
		WHERE context = ? AND next = ?`

	queryGetSnippets = `SELECT next, score, seen_time, seen_count, created FROM markov_snippets
		WHERE context = ? ORDER BY created`

	queryGetPredecessors = `SELECT context, next, score, seen_time, seen_count, created FROM markov_snippets
		WHERE tail = ?`

	queryUpsertSnippet = `INSERT INTO markov_snippets (context, next, tail, score, seen_time, seen_count, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (context, next) DO UPDATE SET
			score = excluded.score, seen_time = excluded.seen_time, seen_count = excluded.seen_count`

	queryRandomContext = `SELECT context FROM (SELECT DISTINCT context FROM markov_snippets) AS contexts
		ORDER BY RANDOM() LIMIT 1`

	queryContexts = `SELECT DISTINCT context FROM markov_snippets
		WHERE substr(context, 1, length(CAST(? AS TEXT))) = CAST(? AS TEXT) ORDER BY context`

	queryAllSnippets = `SELECT context, next, score, seen_time, seen_count, created FROM markov_snippets`

	queryDeleteSnippet = `DELETE FROM markov_snippets WHERE context = ? AND next = ?`
)

// randomDraws is the number of random contexts Random checks before it
// scans for live ones.
const randomDraws = 8

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend is a chain.Cacheable over a database/sql handle. It owns the handle
// and closes it on Close.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	clock   chain.Clock
	log     *log.Logger

	// serialises writers within this process; the dialect's LockState covers
	// writers in other processes where the database supports it
	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Open migrates the schema on db and returns a Backend that owns db.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, clock chain.Clock, l *log.Logger) (*Backend, error) {
	if clock == nil {
		clock = chain.SystemClock
	}
	if l == nil {
		l = logger.New(dialect.Name)
	}
	s := &Backend{db: db, dialect: dialect, clock: clock, log: l}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Backend) migrate(ctx context.Context) error {
	for _, q := range []string{querySchemaState, querySchemaSnippets, querySchemaCreatedIndex, querySchemaTailIndex} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return chain.StorageError(s.dialect.Name+" migrate", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.q(queryInitState), s.clock().Unix()); err != nil {
		return chain.StorageError(s.dialect.Name+" init state", err)
	}
	s.log.Debug("schema ready", "dialect", s.dialect.Name)
	return nil
}

// DB exposes the underlying handle for tests and maintenance.
func (s *Backend) DB() *sql.DB {
	return s.db
}

// Insert records key -> next and advances the clock in one transaction.
func (s *Backend) Insert(ctx context.Context, scorer chain.Scorer, key chain.Key, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := s.readState(ctx, tx, s.dialect.LockState)
	if err != nil {
		return err
	}
	now := state.Tick(s.clock())
	encoded := key.Encode()

	snippet, found, err := s.readSnippet(ctx, tx, key, encoded, next)
	if err != nil {
		return err
	}
	if found {
		snippet.Observe(scorer, now)
	} else {
		snippet = chain.NewSnippet(key, next, now)
	}

	if err := s.upsert(ctx, tx, encoded, snippet); err != nil {
		return err
	}
	if err := s.writeState(ctx, tx, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.fail("commit insert", err)
	}
	return nil
}

// Lookup returns the live successors of key scored at the current time.
func (s *Backend) Lookup(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	state, err := s.readState(ctx, s.db, "")
	if err != nil {
		return nil, err
	}
	snippets, err := s.load(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	return chain.Candidates(snippets, scorer, state.At(s.clock())), nil
}

// Predecessors returns the first words of the contexts that lead into key.
func (s *Backend) Predecessors(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	state, err := s.readState(ctx, s.db, "")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(queryGetPredecessors), key.Encode())
	if err != nil {
		return nil, s.fail("load predecessors", err)
	}
	defer rows.Close()

	snippets := []chain.Snippet{}
	for rows.Next() {
		var (
			encoded, next string
			snippet       chain.Snippet
		)
		if err := scanSnippet(rows, &encoded, &next, &snippet); err != nil {
			return nil, s.fail("load predecessors", err)
		}
		if snippet.Key, err = chain.DecodeKey(encoded); err != nil {
			return nil, s.fail("load predecessors", err)
		}
		snippets = append(snippets, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load predecessors", err)
	}
	return chain.Predecessors(snippets, scorer, state.At(s.clock())), nil
}

// Random returns a context with a live successor, or nil when there is
// none. It draws a few contexts at random and falls back to a full scan
// when all of them have decayed.
func (s *Backend) Random(ctx context.Context, scorer chain.Scorer) (chain.Key, error) {
	state, err := s.readState(ctx, s.db, "")
	if err != nil {
		return nil, err
	}
	now := state.At(s.clock())

	for i := 0; i < randomDraws; i++ {
		var encoded string
		err := s.db.QueryRowContext(ctx, queryRandomContext).Scan(&encoded)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, s.fail("random context", err)
		}
		key, err := chain.DecodeKey(encoded)
		if err != nil {
			return nil, s.fail("random context", err)
		}
		snippets, err := s.load(ctx, s.db, key)
		if err != nil {
			return nil, err
		}
		if chain.Live(snippets, scorer, now) {
			return key, nil
		}
	}

	live, err := s.liveContexts(ctx, scorer, now)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}
	key, err := chain.DecodeKey(live[rand.IntN(len(live))])
	if err != nil {
		return nil, s.fail("random context", err)
	}
	return key, nil
}

// liveContexts returns every encoded context with at least one live snippet.
func (s *Backend) liveContexts(ctx context.Context, scorer chain.Scorer, now chain.State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryAllSnippets)
	if err != nil {
		return nil, s.fail("random scan", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var live []string
	for rows.Next() {
		var (
			encoded, next string
			snippet       chain.Snippet
		)
		if err := scanSnippet(rows, &encoded, &next, &snippet); err != nil {
			return nil, s.fail("random scan", err)
		}
		if _, ok := seen[encoded]; ok || snippet.Stale(scorer, now) {
			continue
		}
		seen[encoded] = struct{}{}
		live = append(live, encoded)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("random scan", err)
	}
	return live, nil
}

// Contexts returns stored contexts starting with prefix, ordered by the
// database collation of their encoded form.
func (s *Backend) Contexts(ctx context.Context, prefix chain.Key, limit int) ([]chain.Key, error) {
	query := queryContexts
	encoded := prefix.Encode()
	args := []any{encoded, encoded}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("list contexts", err)
	}
	defer rows.Close()

	keys := []chain.Key{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, s.fail("list contexts", err)
		}
		key, err := chain.DecodeKey(raw)
		if err != nil {
			return nil, s.fail("list contexts", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list contexts", err)
	}
	return keys, nil
}

// State returns the persisted clock.
func (s *Backend) State(ctx context.Context) (chain.State, error) {
	return s.readState(ctx, s.db, "")
}

// Bind stores lookSize in the state row unless one is stored already, then
// checks it against the stored value.
func (s *Backend) Bind(ctx context.Context, lookSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.q(queryBindLookSize), lookSize); err != nil {
		return s.fail("bind look size", err)
	}
	var stored int64
	if err := s.db.QueryRowContext(ctx, queryGetLookSize).Scan(&stored); err != nil {
		return s.fail("bind look size", err)
	}
	return chain.CheckLookSize(int(stored), lookSize)
}

// Prune deletes every snippet whose score decayed to zero.
func (s *Backend) Prune(ctx context.Context, scorer chain.Scorer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin prune", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := s.readState(ctx, tx, s.dialect.LockState)
	if err != nil {
		return err
	}
	now := state.At(s.clock())

	stale, err := s.staleRows(ctx, tx, scorer, now)
	if err != nil {
		return err
	}
	for _, row := range stale {
		if _, err := tx.ExecContext(ctx, s.q(queryDeleteSnippet), row[0], row[1]); err != nil {
			return s.fail("prune delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail("commit prune", err)
	}
	s.log.Debug("pruned snippets", "count", len(stale))
	return nil
}

// staleRows returns (context, next) pairs of snippets that decayed to zero.
func (s *Backend) staleRows(ctx context.Context, q querier, scorer chain.Scorer, now chain.State) ([][2]string, error) {
	rows, err := q.QueryContext(ctx, queryAllSnippets)
	if err != nil {
		return nil, s.fail("prune scan", err)
	}
	defer rows.Close()

	var stale [][2]string
	for rows.Next() {
		var (
			encoded, next string
			snippet       chain.Snippet
		)
		if err := scanSnippet(rows, &encoded, &next, &snippet); err != nil {
			return nil, s.fail("prune scan", err)
		}
		if snippet.Stale(scorer, now) {
			stale = append(stale, [2]string{encoded, next})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("prune scan", err)
	}
	return stale, nil
}

// Load returns the raw snippets of key in creation order.
func (s *Backend) Load(ctx context.Context, key chain.Key) ([]chain.Snippet, error) {
	return s.load(ctx, s.db, key)
}

// Store upserts snippets and persists state in one transaction.
func (s *Backend) Store(ctx context.Context, snippets []chain.Snippet, state chain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin store", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range snippets {
		if err := s.upsert(ctx, tx, snippets[i].Key.Encode(), snippets[i]); err != nil {
			return err
		}
	}
	if err := s.writeState(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.fail("commit store", err)
	}
	s.log.Debug("stored snippets", "count", len(snippets), "clock", state.Count)
	return nil
}

// Close closes the database handle. Later calls return the first result.
func (s *Backend) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Backend) load(ctx context.Context, q querier, key chain.Key) ([]chain.Snippet, error) {
	rows, err := q.QueryContext(ctx, s.q(queryGetSnippets), key.Encode())
	if err != nil {
		return nil, s.fail("load snippets", err)
	}
	defer rows.Close()

	snippets := []chain.Snippet{}
	for rows.Next() {
		var (
			score, seenTime, seenCount, created int64
			snippet                             chain.Snippet
		)
		if err := rows.Scan(&snippet.Next, &score, &seenTime, &seenCount, &created); err != nil {
			return nil, s.fail("load snippets", err)
		}
		snippet.Key = key.Clone()
		snippet.Score = uint64(score)
		snippet.Seen = chain.State{Time: seenTime, Count: uint64(seenCount)}
		snippet.Created = uint64(created)
		snippets = append(snippets, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load snippets", err)
	}
	return snippets, nil
}

func (s *Backend) readState(ctx context.Context, q querier, suffix string) (chain.State, error) {
	var clockTime, clockCount int64
	err := q.QueryRowContext(ctx, queryGetState+suffix).Scan(&clockTime, &clockCount)
	if err != nil {
		return chain.State{}, s.fail("read state", err)
	}
	return chain.State{Time: clockTime, Count: uint64(clockCount)}, nil
}

func (s *Backend) writeState(ctx context.Context, q querier, state chain.State) error {
	if _, err := q.ExecContext(ctx, s.q(queryUpdateState), state.Time, int64(state.Count)); err != nil {
		return s.fail("write state", err)
	}
	return nil
}

func (s *Backend) readSnippet(ctx context.Context, q querier, key chain.Key, encoded, next string) (chain.Snippet, bool, error) {
	var score, seenTime, seenCount, created int64
	err := q.QueryRowContext(ctx, s.q(queryGetSnippet), encoded, next).Scan(&score, &seenTime, &seenCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Snippet{}, false, nil
	}
	if err != nil {
		return chain.Snippet{}, false, s.fail("read snippet", err)
	}
	return chain.Snippet{
		Key:     key.Clone(),
		Next:    next,
		Score:   uint64(score),
		Seen:    chain.State{Time: seenTime, Count: uint64(seenCount)},
		Created: uint64(created),
	}, true, nil
}

func (s *Backend) upsert(ctx context.Context, q querier, encoded string, snippet chain.Snippet) error {
	_, err := q.ExecContext(ctx, s.q(queryUpsertSnippet),
		encoded, snippet.Next, chain.Tail(snippet.Key, snippet.Next).Encode(), int64(snippet.Score),
		snippet.Seen.Time, int64(snippet.Seen.Count), int64(snippet.Created))
	if err != nil {
		return s.fail("upsert snippet", err)
	}
	return nil
}

func scanSnippet(rows *sql.Rows, encoded, next *string, snippet *chain.Snippet) error {
	var score, seenTime, seenCount, created int64
	if err := rows.Scan(encoded, next, &score, &seenTime, &seenCount, &created); err != nil {
		return err
	}
	snippet.Next = *next
	snippet.Score = uint64(score)
	snippet.Seen = chain.State{Time: seenTime, Count: uint64(seenCount)}
	snippet.Created = uint64(created)
	return nil
}

func (s *Backend) fail(op string, err error) error {
	return chain.StorageError(s.dialect.Name+" "+op, err)
}

// q rewrites ? placeholders for dialects that number them.
func (s *Backend) q(query string) string {
	return Rebind(s.dialect, query)
}

// Rebind rewrites ? placeholders into $n when the dialect numbers them.
func Rebind(d Dialect, query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// String identifies the store in logs.
func (s *Backend) String() string {
	return fmt.Sprintf("sqlstore(%s)", s.dialect.Name)
}
