package redis

import (
	"fmt"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/chain"
)

// init registers the Redis backend. Import this package with a blank identifier
// to use Redis as the markov backend:
//
//	import _ "github.com/remiges-tech/markov/backends/redis"
//
//nolint:gochecknoinits // init() is the idiomatic pattern for backend registration
func init() {
	markov.RegisterBackend("redis", NewBackend)
}

// NewBackend creates a new Redis backend from the given configuration.
// It implements markov.BackendFactory and expects config to be of type redis.Config.
func NewBackend(config interface{}) (chain.Backend, error) {
	redisConfig, ok := config.(Config)
	if !ok {
		return nil, fmt.Errorf("invalid configuration type for Redis backend: expected redis.Config, got %T: %w",
			config, chain.ErrConfiguration)
	}

	return New(redisConfig)
}
