package sqlite

import (
	"fmt"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/chain"
)

// init registers the SQLite backend. Import this package with a blank
// identifier to make "sqlite" available to markov.Open:
//
//	import _ "github.com/remiges-tech/markov/backends/sqlite"
//
//nolint:gochecknoinits // init() is the idiomatic pattern for backend registration
func init() {
	markov.RegisterBackend("sqlite", NewBackend)
}

// NewBackend creates a SQLite backend from the given configuration.
// It implements markov.BackendFactory and expects config to be of type sqlite.Config.
func NewBackend(config interface{}) (chain.Backend, error) {
	sqliteConfig, ok := config.(Config)
	if !ok {
		return nil, fmt.Errorf("invalid configuration type for SQLite backend: expected sqlite.Config, got %T: %w",
			config, chain.ErrConfiguration)
	}

	return New(sqliteConfig)
}
