package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// flat never decays.
type flat struct{}

func (flat) Adjust(score uint64, _, _ State) uint64 { return score }

// gone decays everything to zero.
type gone struct{}

func (gone) Adjust(uint64, State, State) uint64 { return 0 }

func TestTail(t *testing.T) {
	key := Key{"a", "b", "c"}
	assert.Equal(t, Key{"b", "c", "d"}, Tail(key, "d"))
	assert.Equal(t, Key{"a", "b", "c"}, key, "input is left alone")

	assert.Equal(t, Key{"x"}, Tail(Key{"w"}, "x"))
	assert.Equal(t, Key{"x"}, Tail(nil, "x"))
}

func TestPredecessors(t *testing.T) {
	snippets := []Snippet{
		{Key: Key{"late", "b"}, Next: "c", Score: 1, Created: 9},
		{Key: Key{"early", "b"}, Next: "c", Score: 4, Created: 2},
		{Key: nil, Next: "c", Score: 1, Created: 1},
	}

	got := Predecessors(snippets, flat{}, State{})
	assert.Equal(t, []Candidate{{Next: "early", Score: 4}, {Next: "late", Score: 1}}, got)
	assert.Equal(t, Key{"late", "b"}, snippets[0].Key, "input order is kept")

	assert.Empty(t, Predecessors(snippets, gone{}, State{}))
	assert.NotNil(t, Predecessors(nil, flat{}, State{}))
}

func TestLive(t *testing.T) {
	snippets := []Snippet{{Next: "a", Score: 1}}
	assert.True(t, Live(snippets, flat{}, State{}))
	assert.False(t, Live(snippets, gone{}, State{}))
	assert.False(t, Live(nil, flat{}, State{}))
}

func TestCheckLookSize(t *testing.T) {
	assert.NoError(t, CheckLookSize(0, 3))
	assert.NoError(t, CheckLookSize(3, 3))

	err := CheckLookSize(2, 3)
	assert.ErrorIs(t, err, ErrLookSize)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "stored 2, requested 3")
}
