package elasticsearch

import (
	"fmt"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/chain"
)

// init registers the Elasticsearch backend. Import this package with a blank identifier
// to use Elasticsearch as the markov backend:
//
//	import _ "github.com/remiges-tech/markov/backends/elasticsearch"
//
//nolint:gochecknoinits // init() is the idiomatic pattern for backend registration
func init() {
	markov.RegisterBackend("elasticsearch", NewBackend)
}

// NewBackend creates a new Elasticsearch backend from the given configuration.
// It implements markov.BackendFactory and expects config to be of type elasticsearch.Config.
func NewBackend(config interface{}) (chain.Backend, error) {
	esConfig, ok := config.(Config)
	if !ok {
		return nil, fmt.Errorf("invalid configuration type for Elasticsearch backend: expected elasticsearch.Config, got %T: %w",
			config, chain.ErrConfiguration)
	}

	return New(&esConfig)
}
