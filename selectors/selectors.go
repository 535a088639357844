// Package selectors implements the strategies used to pick a successor from
// a set of scored candidates.
//
// All selectors are safe for concurrent use.
package selectors

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/remiges-tech/markov/chain"
)

// MaxFactor is the weight factor at which BestWeighted becomes BestAlways.
const MaxFactor = 255

// BestAlways returns a selector that always picks the highest score. Ties go
// to the candidate that comes first, which for backend lookups is the one
// recorded first, so the choice is reproducible.
func BestAlways() chain.Selector {
	return bestAlways{}
}

// Random returns a selector that picks uniformly among candidates and ignores
// their scores. A nil rng uses a time-seeded source.
func Random(rng *rand.Rand) chain.Selector {
	return &random{rng: newLockedRand(rng)}
}

// BestWeighted returns a selector that picks at random with a bias towards
// higher scores controlled by factor.
//
// Each candidate is weighted by (score/max)^Exponent(factor). At 0 every
// weight is 1 and the choice is uniform, the same as Random. Around 128 the
// odds are roughly proportional to score. At 255 the selector is exactly
// BestAlways. A nil rng uses a time-seeded source.
func BestWeighted(factor uint8, rng *rand.Rand) chain.Selector {
	switch factor {
	case MaxFactor:
		return BestAlways()
	case 0:
		return Random(rng)
	}
	return &weighted{exponent: Exponent(factor), rng: newLockedRand(rng)}
}

// Exponent maps a weight factor to the power scores are raised to. It is 0 at
// factor 0, close to 1 at 128, strictly increasing, and infinite at 255.
func Exponent(factor uint8) float64 {
	if factor == MaxFactor {
		return math.Inf(1)
	}
	return float64(factor) / float64(MaxFactor-int(factor))
}

type bestAlways struct{}

func (bestAlways) Select(candidates []chain.Candidate) chain.Candidate {
	if len(candidates) == 0 {
		return chain.Candidate{}
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Score > candidates[best].Score {
			best = i
		}
	}
	return candidates[best]
}

type random struct {
	rng *lockedRand
}

func (r *random) Select(candidates []chain.Candidate) chain.Candidate {
	switch len(candidates) {
	case 0:
		return chain.Candidate{}
	case 1:
		return candidates[0]
	}
	return candidates[r.rng.IntN(len(candidates))]
}

type weighted struct {
	exponent float64
	rng      *lockedRand
}

func (w *weighted) Select(candidates []chain.Candidate) chain.Candidate {
	switch len(candidates) {
	case 0:
		return chain.Candidate{}
	case 1:
		return candidates[0]
	}

	var top uint64
	for _, c := range candidates {
		if c.Score > top {
			top = c.Score
		}
	}
	if top == 0 {
		return candidates[w.rng.IntN(len(candidates))]
	}

	// scores are normalised by the maximum so large exponents cannot overflow
	cumulative := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		total += math.Pow(float64(c.Score)/float64(top), w.exponent)
		cumulative[i] = total
	}

	draw := w.rng.Float64() * total
	i := sort.Search(len(cumulative), func(i int) bool {
		return cumulative[i] > draw
	})
	if i == len(cumulative) {
		i--
	}
	return candidates[i]
}

// lockedRand serialises access to a *rand.Rand, which is not safe for
// concurrent use on its own.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &lockedRand{rng: rng}
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.IntN(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}
