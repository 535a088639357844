package postgres

import (
	"fmt"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/chain"
)

// init registers the PostgreSQL backend. Import this package with a blank
// identifier to make "postgres" available to markov.Open:
//
//	import _ "github.com/remiges-tech/markov/backends/postgres"
//
//nolint:gochecknoinits // init() is the idiomatic pattern for backend registration
func init() {
	markov.RegisterBackend("postgres", NewBackend)
}

// NewBackend creates a PostgreSQL backend from the given configuration.
// It implements markov.BackendFactory and expects config to be of type postgres.Config.
func NewBackend(config interface{}) (chain.Backend, error) {
	pgConfig, ok := config.(Config)
	if !ok {
		return nil, fmt.Errorf("invalid configuration type for PostgreSQL backend: expected postgres.Config, got %T: %w",
			config, chain.ErrConfiguration)
	}

	return New(pgConfig)
}
