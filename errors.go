package markov

import (
	"errors"
	"fmt"

	"github.com/remiges-tech/markov/chain"
)

// Sentinel errors for common validation failures. Each wraps one of the
// chain error kinds, so errors.Is(err, chain.ErrConfiguration) also matches.

var (
	// ErrBackendNotFound is returned when a backend is not registered.
	// Usually means you forgot to import the backend package with an underscore.
	ErrBackendNotFound = fmt.Errorf("markov backend not found: %w", chain.ErrUnsupported)

	// ErrNotCacheable is returned when Options.Cache is set for a backend that
	// cannot be wrapped by the cache.
	ErrNotCacheable = fmt.Errorf("backend does not support caching: %w", chain.ErrUnsupported)

	// ErrInvalidLookSize is returned when Options.LookSize is below 1, or
	// differs from the look size the backend's data was built with.
	ErrInvalidLookSize = fmt.Errorf("invalid look size: %w", chain.ErrConfiguration)

	// ErrNoLimits is returned when Produce is called with both limits at zero.
	ErrNoLimits = fmt.Errorf("a word limit or a character limit is required: %w", chain.ErrConfiguration)

	// ErrInvalidLimit is returned for negative Produce limits.
	ErrInvalidLimit = fmt.Errorf("limits must not be negative: %w", chain.ErrConfiguration)

	// ErrSeedTooShort is returned when a seed has fewer words than the look
	// size and Options.SeedPolicy is SeedReject.
	ErrSeedTooShort = fmt.Errorf("seed shorter than look size: %w", chain.ErrConfiguration)

	// ErrUnknownSelector is returned for selector names ParseSelectorKind does not know.
	ErrUnknownSelector = fmt.Errorf("unknown selector: %w", chain.ErrConfiguration)

	// ErrUnknownScorer is returned for scorer names ParseScorerKind does not know.
	ErrUnknownScorer = fmt.Errorf("unknown scorer: %w", chain.ErrConfiguration)

	// ErrUnknownGrow is returned for names ParseGrowDirection does not know.
	ErrUnknownGrow = fmt.Errorf("unknown grow direction: %w", chain.ErrConfiguration)

	// ErrClosed is returned by every Generator method after Close.
	ErrClosed = errors.New("generator closed")
)
