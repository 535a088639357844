// Package scorers implements the score decay strategies of the generator.
//
// Scores are never rewritten in the background. Every read passes the stored
// score and the state it was recorded at through a Scorer, which works out
// how much it has decayed since.
package scorers

import (
	"github.com/remiges-tech/markov/chain"
)

// NoAdjust returns a scorer that never decays. Repeated observations keep
// adding a point each, so a snippet's score is the number of times it was seen.
// Suited to static corpora where old and new data weigh the same.
func NoAdjust() chain.Scorer {
	return noAdjust{}
}

// WordAdjust returns a scorer that takes one point off a snippet for every
// perWords windows recorded anywhere in the backend after it was last seen.
// A value of 100 means a snippet loses its first point once 100 other windows
// have been inserted. Zero disables decay and is equivalent to NoAdjust.
func WordAdjust(perWords uint64) chain.Scorer {
	if perWords == 0 {
		return NoAdjust()
	}
	return wordAdjust{per: perWords}
}

// TimeAdjust returns a scorer that takes one point off a snippet for every
// perSeconds seconds elapsed since it was last seen. Zero disables decay and
// is equivalent to NoAdjust.
func TimeAdjust(perSeconds uint64) chain.Scorer {
	if perSeconds == 0 {
		return NoAdjust()
	}
	return timeAdjust{per: perSeconds}
}

type noAdjust struct{}

func (noAdjust) Adjust(score uint64, _, _ chain.State) uint64 {
	return score
}

type wordAdjust struct {
	per uint64
}

func (w wordAdjust) Adjust(score uint64, seen, now chain.State) uint64 {
	if now.Count <= seen.Count {
		return score
	}
	return decay(score, now.Count-seen.Count, w.per)
}

type timeAdjust struct {
	per uint64
}

func (t timeAdjust) Adjust(score uint64, seen, now chain.State) uint64 {
	// a clock that went backwards decays nothing
	if now.Time <= seen.Time {
		return score
	}
	return decay(score, uint64(now.Time-seen.Time), t.per)
}

// decay removes one point per full period elapsed. A partial period costs
// nothing, so a snippet only drops once the period has actually passed.
func decay(score, elapsed, per uint64) uint64 {
	loss := elapsed / per
	if loss >= score {
		return 0
	}
	return score - loss
}
