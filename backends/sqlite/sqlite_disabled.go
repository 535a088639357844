//go:build nosqlite

package sqlite

import (
	"fmt"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/sqlstore"
)

// Backend is the SQLite backend. This build was made without SQLite support.
type Backend struct {
	*sqlstore.Backend
}

// New always fails: the binary was built with -tags nosqlite.
func New(config Config) (*Backend, error) {
	return nil, fmt.Errorf("sqlite backend for %q: not compiled in: %w", config.Path, chain.ErrUnsupported)
}
