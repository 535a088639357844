package elasticsearch

import (
	"github.com/charmbracelet/log"

	"github.com/remiges-tech/markov/chain"
)

// Config holds Elasticsearch connection parameters and backend-specific options.
type Config struct {
	// URLs is the list of Elasticsearch node URLs.
	URLs []string

	// Index is the name of the Elasticsearch index holding the chain.
	// Default: "markov".
	Index string

	// Username for basic authentication.
	Username string

	// Password for basic authentication.
	Password string

	// CloudID for connecting to Elastic Cloud.
	CloudID string

	// APIKey for API key authentication (alternative to username/password).
	APIKey string

	// RefreshPolicy controls when changes are visible to search.
	// Options: "true" (immediate), "false", "wait_for" (wait for next refresh).
	// Lookups are searches, so anything but "true" lets a produce miss
	// words inserted just before it.
	// Default: "true".
	RefreshPolicy string

	// NumberOfShards configures the number of primary shards for the index.
	// This setting is ONLY used when the index is automatically created by the backend.
	// Default: 1
	NumberOfShards int

	// NumberOfReplicas configures the number of replica shards.
	// This setting is ONLY used when the index is automatically created by the backend.
	// Default: 0
	NumberOfReplicas int

	// PageSize is the number of documents fetched per search page.
	// Default: 1000.
	PageSize int

	// Clock stamps inserts. Defaults to chain.SystemClock.
	Clock chain.Clock

	// Logger receives prune diagnostics.
	Logger *log.Logger
}

// setDefaults applies default values to config fields.
func (c *Config) setDefaults() {
	if c.Index == "" {
		c.Index = "markov"
	}
	if c.RefreshPolicy == "" {
		c.RefreshPolicy = "true"
	}
	if c.NumberOfShards == 0 {
		c.NumberOfShards = 1
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.Clock == nil {
		c.Clock = chain.SystemClock
	}
}
