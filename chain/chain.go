// Package chain defines the value types and strategy interfaces shared by the
// markov generator and its storage backends.
//
// It lives apart from the root package so that backends can implement
// Backend without importing the generator that registers them.
package chain

import (
	"sort"
	"time"
)

// State is the clock of a backend: the wall time of the last insert and the
// number of context windows inserted so far. Scorers measure decay as the
// distance between two states.
type State struct {
	// Time is a unix timestamp in seconds.
	Time int64

	// Count is the number of windows the backend has recorded.
	Count uint64
}

// Clock returns the current wall time. Backends accept one so tests can
// control time decay.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now()
}

// Tick advances s by one recorded window at the given wall time and returns
// the new state.
func (s State) Tick(now time.Time) State {
	return State{Time: now.Unix(), Count: s.Count + 1}
}

// At returns s read at wall time now: the same count, the current time.
// Lookups and prunes score against it so time decay keeps running while
// nothing is inserted.
func (s State) At(now time.Time) State {
	return State{Time: now.Unix(), Count: s.Count}
}

// Snippet is one recorded transition: a context window, the word that
// followed it, and the bookkeeping needed to score it lazily.
type Snippet struct {
	Key  Key
	Next string

	// Score as of Seen. Read it through a Scorer to get the current value.
	Score uint64

	// Seen is the backend state when the snippet was last observed.
	Seen State

	// Created is the backend count at first observation. Backends return
	// snippets ordered by it.
	Created uint64
}

// NewSnippet returns the snippet for a first observation of key -> next.
func NewSnippet(key Key, next string, now State) Snippet {
	return Snippet{
		Key:     key.Clone(),
		Next:    next,
		Score:   1,
		Seen:    now,
		Created: now.Count,
	}
}

// Observe folds a repeated observation into s. The previous score is decayed
// up to now before the new point is added, and the decay clock restarts.
func (s *Snippet) Observe(scorer Scorer, now State) {
	s.Score = 1 + scorer.Adjust(s.Score, s.Seen, now)
	s.Seen = now
}

// Current returns the score of s decayed up to now.
func (s *Snippet) Current(scorer Scorer, now State) uint64 {
	return scorer.Adjust(s.Score, s.Seen, now)
}

// Candidate is a possible successor for a context, with its decayed score.
type Candidate struct {
	Next  string
	Score uint64
}

// Candidates converts snippets into candidates scored at now. The result is
// in creation order and omits snippets whose score has decayed to zero.
func Candidates(snippets []Snippet, scorer Scorer, now State) []Candidate {
	ordered := make([]Snippet, len(snippets))
	copy(ordered, snippets)
	SortSnippets(ordered)

	candidates := make([]Candidate, 0, len(ordered))
	for i := range ordered {
		score := ordered[i].Current(scorer, now)
		if score == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Next: ordered[i].Next, Score: score})
	}
	return candidates
}

// SortSnippets orders snippets by creation, oldest first.
func SortSnippets(snippets []Snippet) {
	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Created < snippets[j].Created
	})
}

// Stale reports whether s has decayed to zero at now and may be pruned.
func (s *Snippet) Stale(scorer Scorer, now State) bool {
	return s.Current(scorer, now) == 0
}

// Live reports whether any of snippets still scores above zero at now.
func Live(snippets []Snippet, scorer Scorer, now State) bool {
	for i := range snippets {
		if !snippets[i].Stale(scorer, now) {
			return true
		}
	}
	return false
}

// Tail returns the window that follows key once next is appended: key
// without its first word, then next. Predecessor lookups are keyed by it.
func Tail(key Key, next string) Key {
	tail := make(Key, 0, len(key))
	if len(key) > 0 {
		tail = append(tail, key[1:]...)
	}
	return append(tail, next)
}

// Predecessors converts snippets that share a tail into candidates for the
// word before it: each candidate holds the first word of its snippet's
// context. Order and omission of stale snippets follow Candidates.
func Predecessors(snippets []Snippet, scorer Scorer, now State) []Candidate {
	ordered := make([]Snippet, len(snippets))
	copy(ordered, snippets)
	SortSnippets(ordered)

	candidates := make([]Candidate, 0, len(ordered))
	for i := range ordered {
		if len(ordered[i].Key) == 0 {
			continue
		}
		score := ordered[i].Current(scorer, now)
		if score == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Next: ordered[i].Key[0], Score: score})
	}
	return candidates
}
