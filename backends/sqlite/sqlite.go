//go:build !nosqlite

// Package sqlite implements a persistent markov backend in a single SQLite
// file, using the pure Go modernc.org/sqlite driver. Build with -tags
// nosqlite to leave the driver out; New then reports chain.ErrUnsupported.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/sqlstore"
)

// pragmas are applied to every new database handle.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Backend is the SQLite backend. It implements chain.Cacheable.
type Backend struct {
	*sqlstore.Backend
	path string
}

// New opens or creates the database at config.Path. A file that cannot be
// opened is reported as chain.ErrIO.
func New(config Config) (*Backend, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite: empty path: %w", chain.ErrConfiguration)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, chain.IOError(config.Path, err)
	}
	// one connection keeps ":memory:" databases shared and writers serial
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, chain.IOError(config.Path, fmt.Errorf("pragma %q: %w", p, err))
		}
	}

	store, err := sqlstore.Open(ctx, db, sqlstore.SQLite, config.Clock, config.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{Backend: store, path: config.Path}, nil
}

// Path returns the database file.
func (b *Backend) Path() string {
	return b.path
}
