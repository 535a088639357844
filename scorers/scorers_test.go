package scorers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/remiges-tech/markov/chain"
)

func TestNoAdjust(t *testing.T) {
	s := NoAdjust()
	seen := chain.State{Time: 0, Count: 0}
	now := chain.State{Time: 1 << 40, Count: 1 << 40}
	assert.Equal(t, uint64(7), s.Adjust(7, seen, now))
	assert.Equal(t, uint64(0), s.Adjust(0, seen, now))
}

func TestWordAdjust(t *testing.T) {
	s := WordAdjust(100)

	tests := []struct {
		name    string
		score   uint64
		elapsed uint64
		want    uint64
	}{
		{name: "no words elapsed", score: 5, elapsed: 0, want: 5},
		{name: "partial period costs nothing", score: 5, elapsed: 99, want: 5},
		{name: "one full period", score: 5, elapsed: 100, want: 4},
		{name: "250 words drops exactly two points", score: 5, elapsed: 250, want: 3},
		{name: "clamped at zero", score: 2, elapsed: 250, want: 0},
		{name: "far past zero", score: 1, elapsed: 1 << 30, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := chain.State{Count: 10}
			now := chain.State{Count: 10 + tt.elapsed}
			assert.Equal(t, tt.want, s.Adjust(tt.score, seen, now))
		})
	}
}

func TestWordAdjustIgnoresTime(t *testing.T) {
	s := WordAdjust(1)
	got := s.Adjust(3, chain.State{Time: 0, Count: 4}, chain.State{Time: 10000, Count: 4})
	assert.Equal(t, uint64(3), got)
}

func TestTimeAdjust(t *testing.T) {
	s := TimeAdjust(60)

	seen := chain.State{Time: 1000, Count: 1}
	assert.Equal(t, uint64(4), s.Adjust(4, seen, chain.State{Time: 1059, Count: 900}))
	assert.Equal(t, uint64(3), s.Adjust(4, seen, chain.State{Time: 1060, Count: 900}))
	assert.Equal(t, uint64(2), s.Adjust(4, seen, chain.State{Time: 1150}))
	assert.Equal(t, uint64(0), s.Adjust(4, seen, chain.State{Time: 1000 + 60*10}))

	// clock skew backwards
	assert.Equal(t, uint64(4), s.Adjust(4, seen, chain.State{Time: 10}))
}

func TestZeroDisablesDecay(t *testing.T) {
	seen := chain.State{Time: 0, Count: 0}
	now := chain.State{Time: 1 << 30, Count: 1 << 30}

	assert.IsType(t, noAdjust{}, WordAdjust(0))
	assert.IsType(t, noAdjust{}, TimeAdjust(0))
	assert.Equal(t, uint64(9), WordAdjust(0).Adjust(9, seen, now))
	assert.Equal(t, uint64(9), TimeAdjust(0).Adjust(9, seen, now))
}

func TestSnippetObserveMergesDecayedScore(t *testing.T) {
	s := WordAdjust(2)
	snippet := chain.NewSnippet(chain.Key{"a"}, "b", chain.State{Count: 1})
	assert.Equal(t, uint64(1), snippet.Score)

	snippet.Observe(s, chain.State{Count: 2})
	assert.Equal(t, uint64(2), snippet.Score)

	// six windows later three points decayed: max(0, 2-3) + 1
	snippet.Observe(s, chain.State{Count: 8})
	assert.Equal(t, uint64(1), snippet.Score)
	assert.Equal(t, uint64(8), snippet.Seen.Count)
	assert.Equal(t, uint64(1), snippet.Created)
}
