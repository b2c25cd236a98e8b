// Package normalize turns free-text equipment identifiers into canonical
// identifiers with a calibrated confidence score.
//
// Matching runs in tiers, stopping at the first hit:
//
//  1. exact lookup of the canonicalized input in the canonical table
//  2. known-variant lookup (spelling variants, common typos)
//  3. learned lookup (matches the user previously confirmed or corrected)
//  4. Levenshtein fuzzy match against every canonical key and alias
//
// Each tier assigns a confidence and whether user confirmation is required
// before the result can be written to a record.
package normalize

import (
	"context"
	"time"
)

// MatchTier identifies which tier produced a match.
type MatchTier string

const (
	TierExact        MatchTier = "exact"
	TierKnownVariant MatchTier = "known_variant"
	TierFuzzy        MatchTier = "fuzzy"
)

// Confidence calibration per tier. Fuzzy confidence is computed from edit
// distance and capped below the variant tier so the tier ordering
// exact > known_variant > fuzzy always holds in the score.
const (
	ConfidenceExact    = 1.0
	ConfidenceVariant  = 0.98
	ConfidenceLearned  = 0.95
	fuzzyConfidenceCap = 0.97

	// HighConfidenceThreshold is the bar below which a match must be
	// confirmed by the user before a record is written.
	HighConfidenceThreshold = 0.95

	// MinSimilarity is the floor below which fuzzy candidates are
	// discarded entirely.
	MinSimilarity = 0.6

	// MaxResults bounds how many candidates a normalization call returns.
	MaxResults = 3
)

// Match is one normalization candidate.
type Match struct {
	CanonicalID  string    `json:"canonical_id"`
	Confidence   float64   `json:"confidence"`
	EditDistance int       `json:"edit_distance"`
	Tier         MatchTier `json:"tier"`

	// RequiresConfirmation is true whenever the confidence is below the
	// high threshold or the match came from the fuzzy tier.
	RequiresConfirmation bool `json:"requires_confirmation"`
}

// Options carries optional normalization context.
type Options struct {
	Year   int
	UserID string
}

// CanonicalModel is one row of the canonical identifier table.
// Key is the canonicalized "brand model" string; Aliases are additional
// canonicalized spellings the fuzzy tier also matches against.
type CanonicalModel struct {
	ID         string
	Brand      string
	Model      string
	Key        string
	Aliases    []string
	UsageCount int64
}

// LearnedMatch records a user decision about a past suggestion.
// AcceptedID differs from SuggestedID when the user corrected the match.
type LearnedMatch struct {
	Input       string
	SuggestedID string
	AcceptedID  string
}

// Catalog is the lookup contract the normalizer consumes. Implemented by
// the store package; keyed by canonicalized strings throughout.
type Catalog interface {
	// LookupCanonical finds a model whose key exactly matches.
	LookupCanonical(ctx context.Context, key string) (CanonicalModel, bool, error)

	// LookupVariant finds the canonical id for a known variant spelling.
	LookupVariant(ctx context.Context, variant string) (string, bool, error)

	// LookupLearned finds a previously confirmed or corrected match.
	LookupLearned(ctx context.Context, input string) (LearnedMatch, bool, error)

	// ListModels returns every canonical model for the fuzzy scan.
	ListModels(ctx context.Context) ([]CanonicalModel, error)

	// SaveLearned appends a learning record. Upserts by input.
	SaveLearned(ctx context.Context, lm LearnedMatch, now time.Time) error

	// RecordCanonicalUsage and RecordVariantUsage bump usage counters on
	// successful matches.
	RecordCanonicalUsage(ctx context.Context, canonicalID string) error
	RecordVariantUsage(ctx context.Context, variant string) error
}
