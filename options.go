package markov

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/scorers"
	"github.com/remiges-tech/markov/selectors"
)

// defaultLookSize is the context window used when none is configured.
const defaultLookSize = 1

// defaultWeightFactor sits in the middle of the weighted curve, where picks
// are roughly proportional to score.
const defaultWeightFactor = 128

// defaultCacheSize is the number of contexts the cache keeps clean.
const defaultCacheSize = 4096

// defaultFlushThreshold is the number of dirty snippets that triggers a flush.
const defaultFlushThreshold = 1024

// SelectorKind names one of the bundled selectors.
type SelectorKind int

const (
	// SelectWeighted favours high scores according to Options.WeightFactor.
	SelectWeighted SelectorKind = iota
	// SelectBest always picks the highest score, earliest candidate on ties.
	SelectBest
	// SelectRandom ignores scores.
	SelectRandom
)

// ScorerKind names one of the bundled scorers.
type ScorerKind int

const (
	// ScoreNone never decays scores.
	ScoreNone ScorerKind = iota
	// ScoreWords loses one point per Options.Decrement inserted windows.
	ScoreWords
	// ScoreTime loses one point per Options.Decrement seconds.
	ScoreTime
)

// SeedPolicy decides what Produce does with a seed shorter than the look size.
type SeedPolicy int

const (
	// SeedReject fails with ErrSeedTooShort.
	SeedReject SeedPolicy = iota
	// SeedExpand completes the seed with a stored context that starts with it.
	SeedExpand
)

// GrowDirection decides which ends of a production Produce extends.
type GrowDirection int

const (
	// GrowForward appends successors after the start only.
	GrowForward GrowDirection = iota
	// GrowBoth alternates between appending successors and prepending the
	// words recorded before the first LookSize words.
	GrowBoth
)

// Config holds configuration for a Generator created by Open.
type Config struct {
	// BackendConfig contains backend-specific configuration.
	// Each backend defines its own config struct type.
	BackendConfig interface{}

	// Options contains common generator settings.
	Options Options
}

// Options contains common generator settings.
// Use DefaultOptions() for default values.
type Options struct {
	// LookSize is the number of words in a context window.
	// Changing it requires a fresh backend.
	// Default: 1.
	LookSize int

	// Selector picks among the candidate successors of a context.
	// Default: SelectWeighted.
	Selector SelectorKind

	// WeightFactor shapes SelectWeighted: 0 ignores scores, 255 always
	// picks the best.
	// Default: 128.
	WeightFactor uint8

	// Scorer decays snippet scores as they age.
	// Default: ScoreNone.
	Scorer ScorerKind

	// Decrement is the number of windows (ScoreWords) or seconds (ScoreTime)
	// per lost point. Zero disables decay.
	Decrement uint64

	// SeedPolicy handles seeds shorter than LookSize.
	// Default: SeedReject.
	SeedPolicy SeedPolicy

	// Grow decides whether Produce also extends the start backwards.
	// Default: GrowForward.
	Grow GrowDirection

	// Cache wraps the backend opened by Open in a write-back cache.
	// The backend must implement chain.Cacheable.
	Cache bool

	// CacheSize is the number of contexts kept in the cache.
	CacheSize int

	// FlushThreshold is the number of dirty snippets that triggers a flush.
	FlushThreshold int

	// Logger receives debug output. Defaults to a stderr logger.
	Logger *log.Logger

	// Rand drives random selection and seed expansion. Defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

// DefaultOptions returns default options with the weighted selector and no decay.
func DefaultOptions() Options {
	return Options{
		LookSize:       defaultLookSize,
		Selector:       SelectWeighted,
		WeightFactor:   defaultWeightFactor,
		Scorer:         ScoreNone,
		SeedPolicy:     SeedReject,
		Grow:           GrowForward,
		CacheSize:      defaultCacheSize,
		FlushThreshold: defaultFlushThreshold,
	}
}

// NewConfig creates a new configuration with default options.
func NewConfig(backendConfig interface{}) Config {
	return Config{
		BackendConfig: backendConfig,
		Options:       DefaultOptions(),
	}
}

// NewConfigWithOptions creates a new configuration with custom options.
func NewConfigWithOptions(backendConfig interface{}, options Options) Config {
	return Config{
		BackendConfig: backendConfig,
		Options:       options,
	}
}

// ParseSelectorKind maps a configuration name (best, random, weighted) to a
// SelectorKind. Matching is case-insensitive.
func ParseSelectorKind(name string) (SelectorKind, error) {
	switch strings.ToLower(name) {
	case "weighted", "best-weighted", "":
		return SelectWeighted, nil
	case "best", "best-always":
		return SelectBest, nil
	case "random":
		return SelectRandom, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSelector, name)
}

// ParseScorerKind maps a configuration name (none, words, time) to a
// ScorerKind. Matching is case-insensitive.
func ParseScorerKind(name string) (ScorerKind, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return ScoreNone, nil
	case "words", "word":
		return ScoreWords, nil
	case "time", "seconds":
		return ScoreTime, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScorer, name)
}

// ParseGrowDirection maps a configuration name (forward, both) to a
// GrowDirection. Matching is case-insensitive.
func ParseGrowDirection(name string) (GrowDirection, error) {
	switch strings.ToLower(name) {
	case "forward", "":
		return GrowForward, nil
	case "both":
		return GrowBoth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownGrow, name)
}

func (d GrowDirection) String() string {
	switch d {
	case GrowForward:
		return "forward"
	case GrowBoth:
		return "both"
	}
	return fmt.Sprintf("GrowDirection(%d)", int(d))
}

func (k SelectorKind) String() string {
	switch k {
	case SelectWeighted:
		return "weighted"
	case SelectBest:
		return "best"
	case SelectRandom:
		return "random"
	}
	return fmt.Sprintf("SelectorKind(%d)", int(k))
}

func (k ScorerKind) String() string {
	switch k {
	case ScoreNone:
		return "none"
	case ScoreWords:
		return "words"
	case ScoreTime:
		return "time"
	}
	return fmt.Sprintf("ScorerKind(%d)", int(k))
}

// NewSelector builds the selector named by the options.
func (o Options) NewSelector() (chain.Selector, error) {
	switch o.Selector {
	case SelectWeighted:
		return selectors.BestWeighted(o.WeightFactor, o.Rand), nil
	case SelectBest:
		return selectors.BestAlways(), nil
	case SelectRandom:
		return selectors.Random(o.Rand), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnknownSelector, o.Selector)
}

// NewScorer builds the scorer named by the options.
func (o Options) NewScorer() (chain.Scorer, error) {
	switch o.Scorer {
	case ScoreNone:
		return scorers.NoAdjust(), nil
	case ScoreWords:
		return scorers.WordAdjust(o.Decrement), nil
	case ScoreTime:
		return scorers.TimeAdjust(o.Decrement), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnknownScorer, o.Scorer)
}
