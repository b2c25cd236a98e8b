package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Normalizer maps free-text brand/model strings to canonical identifiers.
//
// Results are cached by canonicalized input key with a bounded lifetime.
// The cache is optional: a nil cache disables caching without changing
// behavior.
type Normalizer struct {
	catalog Catalog
	cache   Cache
	now     func() time.Time
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithCache attaches a result cache.
func WithCache(c Cache) NormalizerOption {
	return func(n *Normalizer) {
		n.cache = c
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) {
		n.now = now
	}
}

// New creates a Normalizer over the given catalog tables.
func New(catalog Catalog, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		catalog: catalog,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize resolves input to an ordered list of candidates, highest
// confidence first, at most MaxResults long.
//
// Tiers are tried in order and the first hit wins; the fuzzy tier is the
// fallback. Returns NoMatchError when nothing clears the similarity floor.
func (n *Normalizer) Normalize(ctx context.Context, input string, opts Options) ([]Match, error) {
	key := Canonicalize(input)
	if key == "" {
		return nil, ErrEmptyInput
	}

	if cached, ok := n.cacheGet(ctx, key); ok {
		return cached, nil
	}

	matches, err := n.resolve(ctx, input, key)
	if err != nil {
		return nil, err
	}

	n.cacheSet(ctx, key, matches)
	return matches, nil
}

func (n *Normalizer) resolve(ctx context.Context, input, key string) ([]Match, error) {
	// Tier 1: exact lookup in the canonical table.
	if cm, ok, err := n.catalog.LookupCanonical(ctx, key); err != nil {
		return nil, fmt.Errorf("normalize %q: canonical lookup: %w", input, err)
	} else if ok {
		if err := n.catalog.RecordCanonicalUsage(ctx, cm.ID); err != nil {
			slog.Warn("usage counter update failed", "canonical_id", cm.ID, "error", err)
		}
		return []Match{{
			CanonicalID: cm.ID,
			Confidence:  ConfidenceExact,
			Tier:        TierExact,
		}}, nil
	}

	// Tier 2: known-variant lookup.
	if canonicalID, ok, err := n.catalog.LookupVariant(ctx, key); err != nil {
		return nil, fmt.Errorf("normalize %q: variant lookup: %w", input, err)
	} else if ok {
		if err := n.catalog.RecordVariantUsage(ctx, key); err != nil {
			slog.Warn("usage counter update failed", "variant", key, "error", err)
		}
		return []Match{{
			CanonicalID:          canonicalID,
			Confidence:           ConfidenceVariant,
			Tier:                 TierKnownVariant,
			RequiresConfirmation: ConfidenceVariant < HighConfidenceThreshold,
		}}, nil
	}

	// Tier 2b: learned matches. A previously confirmed or corrected input
	// is promoted to variant-level confidence instead of re-running the
	// fuzzy scan.
	if lm, ok, err := n.catalog.LookupLearned(ctx, key); err != nil {
		return nil, fmt.Errorf("normalize %q: learned lookup: %w", input, err)
	} else if ok && lm.AcceptedID != "" {
		if err := n.catalog.RecordCanonicalUsage(ctx, lm.AcceptedID); err != nil {
			slog.Warn("usage counter update failed", "canonical_id", lm.AcceptedID, "error", err)
		}
		return []Match{{
			CanonicalID:          lm.AcceptedID,
			Confidence:           ConfidenceLearned,
			Tier:                 TierKnownVariant,
			RequiresConfirmation: ConfidenceLearned < HighConfidenceThreshold,
		}}, nil
	}

	// Tier 3: Levenshtein fuzzy match against every canonical key and
	// alias.
	models, err := n.catalog.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("normalize %q: list models: %w", input, err)
	}

	candidates := fuzzyScan(key, models)

	kept := candidates[:0:0]
	for _, c := range candidates {
		if c.similarity >= MinSimilarity {
			kept = append(kept, c)
		}
	}

	if len(kept) == 0 {
		return nil, &NoMatchError{
			Input:        input,
			Alternatives: toMatches(topN(candidates, MaxResults)),
		}
	}

	matches := toMatches(topN(kept, MaxResults))
	if err := n.catalog.RecordCanonicalUsage(ctx, matches[0].CanonicalID); err != nil {
		slog.Warn("usage counter update failed", "canonical_id", matches[0].CanonicalID, "error", err)
	}
	return matches, nil
}

// Confirm records that the user accepted a suggested match. Subsequent
// identical inputs resolve through the learning table at variant-level
// confidence.
func (n *Normalizer) Confirm(ctx context.Context, originalInput, chosen string) error {
	key := Canonicalize(originalInput)
	if key == "" {
		return ErrEmptyInput
	}

	lm := LearnedMatch{Input: key, SuggestedID: chosen, AcceptedID: chosen}
	if err := n.catalog.SaveLearned(ctx, lm, n.now()); err != nil {
		return fmt.Errorf("confirm match %q: %w", originalInput, err)
	}
	n.cacheInvalidate(ctx, key)

	slog.Info("match confirmed", "input", key, "canonical_id", chosen)
	return nil
}

// Reject records that the user rejected a suggested match. If a correction
// is supplied it is learned in the suggestion's place; either way the
// cached result for this input is dropped.
func (n *Normalizer) Reject(ctx context.Context, originalInput, chosen, correction string) error {
	key := Canonicalize(originalInput)
	if key == "" {
		return ErrEmptyInput
	}

	if correction != "" {
		lm := LearnedMatch{Input: key, SuggestedID: chosen, AcceptedID: correction}
		if err := n.catalog.SaveLearned(ctx, lm, n.now()); err != nil {
			return fmt.Errorf("reject match %q: %w", originalInput, err)
		}
	}
	n.cacheInvalidate(ctx, key)

	slog.Info("match rejected", "input", key, "rejected", chosen, "correction", correction)
	return nil
}

// candidate is one fuzzy-scan result before confidence calibration.
type candidate struct {
	canonicalID string
	distance    int
	similarity  float64
}

// fuzzyScan computes the best edit distance between the input key and each
// model's key and aliases.
func fuzzyScan(key string, models []CanonicalModel) []candidate {
	out := make([]candidate, 0, len(models))
	for _, m := range models {
		best := candidate{canonicalID: m.ID, distance: -1}
		for _, target := range append([]string{m.Key}, m.Aliases...) {
			if target == "" {
				continue
			}
			d := levenshtein(key, target)
			s := similarity(d, len([]rune(key)), len([]rune(target)))
			if best.distance < 0 || s > best.similarity {
				best.distance = d
				best.similarity = s
			}
		}
		if best.distance >= 0 {
			out = append(out, best)
		}
	}
	return out
}

// topN sorts candidates by similarity descending, canonical id ascending
// as a deterministic tie-break, and truncates to n.
func topN(candidates []candidate, limit int) []candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].similarity != sorted[j].similarity {
			return sorted[i].similarity > sorted[j].similarity
		}
		return sorted[i].canonicalID < sorted[j].canonicalID
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// toMatches calibrates fuzzy candidates into Match values. Fuzzy
// confidence is the similarity capped below the variant tier, and fuzzy
// matches always require confirmation.
func toMatches(candidates []candidate) []Match {
	out := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		conf := c.similarity
		if conf > fuzzyConfidenceCap {
			conf = fuzzyConfidenceCap
		}
		out = append(out, Match{
			CanonicalID:          c.canonicalID,
			Confidence:           conf,
			EditDistance:         c.distance,
			Tier:                 TierFuzzy,
			RequiresConfirmation: true,
		})
	}
	return out
}

func (n *Normalizer) cacheGet(ctx context.Context, key string) ([]Match, bool) {
	if n.cache == nil {
		return nil, false
	}
	matches, ok, err := n.cache.Get(ctx, key)
	if err != nil {
		// Cache trouble never fails a normalization call.
		slog.Warn("normalization cache read failed", "key", key, "error", err)
		return nil, false
	}
	return matches, ok
}

func (n *Normalizer) cacheSet(ctx context.Context, key string, matches []Match) {
	if n.cache == nil {
		return
	}
	if err := n.cache.Set(ctx, key, matches); err != nil {
		slog.Warn("normalization cache write failed", "key", key, "error", err)
	}
}

func (n *Normalizer) cacheInvalidate(ctx context.Context, key string) {
	if n.cache == nil {
		return
	}
	if err := n.cache.Invalidate(ctx, key); err != nil {
		slog.Warn("normalization cache invalidate failed", "key", key, "error", err)
	}
}
