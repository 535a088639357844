package sqlite

import (
	"github.com/charmbracelet/log"

	"github.com/remiges-tech/markov/chain"
)

// Config holds SQLite backend settings.
type Config struct {
	// Path is the database file. ":memory:" gives a private in-memory
	// database. The parent directory must exist.
	Path string

	// Clock stamps inserts. Defaults to chain.SystemClock.
	Clock chain.Clock

	// Logger receives schema and prune diagnostics.
	Logger *log.Logger
}
