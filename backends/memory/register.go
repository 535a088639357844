package memory

import (
	"fmt"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/chain"
)

// init registers the memory backend. Import this package with a blank
// identifier to make "memory" available to markov.Open:
//
//	import _ "github.com/remiges-tech/markov/backends/memory"
//
//nolint:gochecknoinits // init() is the idiomatic pattern for backend registration
func init() {
	markov.RegisterBackend("memory", NewBackend)
}

// NewBackend creates a memory backend from the given configuration.
// It implements markov.BackendFactory and accepts memory.Config or nil.
func NewBackend(config interface{}) (chain.Backend, error) {
	switch cfg := config.(type) {
	case nil:
		return New(Config{}), nil
	case Config:
		return New(cfg), nil
	case *Config:
		return New(*cfg), nil
	}
	return nil, fmt.Errorf("invalid configuration type for memory backend: expected memory.Config, got %T: %w",
		config, chain.ErrConfiguration)
}
