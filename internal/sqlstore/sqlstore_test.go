package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	query := "SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?"

	assert.Equal(t, query, Rebind(SQLite, query))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3", Rebind(Postgres, query))
	assert.Equal(t, "SELECT 1", Rebind(Postgres, "SELECT 1"))
}
