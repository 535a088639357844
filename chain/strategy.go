package chain

// Scorer decays snippet scores as the backend clock moves on.
type Scorer interface {
	// Adjust returns score, recorded at seen, decayed up to now. The result
	// is never negative; it stops at zero.
	Adjust(score uint64, seen, now State) uint64
}

// Selector picks one successor from a weighted candidate set.
type Selector interface {
	// Select returns one of candidates. Callers never pass an empty set;
	// implementations return the zero Candidate if they do.
	Select(candidates []Candidate) Candidate
}
