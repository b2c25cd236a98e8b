package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog is an in-memory Catalog for exercising the tier logic
// without a database.
type fakeCatalog struct {
	models   []CanonicalModel
	variants map[string]string
	learned  map[string]LearnedMatch

	canonicalLookups int
	listCalls        int
	usage            map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		models: []CanonicalModel{
			{
				ID:      "john_deere/x9_1100",
				Brand:   "John Deere",
				Model:   "X9 1100",
				Key:     "johndeerex91100",
				Aliases: []string{"jdx9"},
			},
			{
				ID:    "kubota/m7_172",
				Brand: "Kubota",
				Model: "M7-172",
				Key:   "kubotam7172",
			},
			{
				ID:    "case_ih/9250",
				Brand: "Case IH",
				Model: "9250",
				Key:   "caseih9250",
			},
		},
		variants: map[string]string{
			"jdx91100": "john_deere/x9_1100",
		},
		learned: map[string]LearnedMatch{},
		usage:   map[string]int{},
	}
}

func (f *fakeCatalog) LookupCanonical(_ context.Context, key string) (CanonicalModel, bool, error) {
	f.canonicalLookups++
	for _, m := range f.models {
		if m.Key == key {
			return m, true, nil
		}
	}
	return CanonicalModel{}, false, nil
}

func (f *fakeCatalog) LookupVariant(_ context.Context, variant string) (string, bool, error) {
	id, ok := f.variants[variant]
	return id, ok, nil
}

func (f *fakeCatalog) LookupLearned(_ context.Context, input string) (LearnedMatch, bool, error) {
	lm, ok := f.learned[input]
	return lm, ok, nil
}

func (f *fakeCatalog) ListModels(_ context.Context) ([]CanonicalModel, error) {
	f.listCalls++
	return f.models, nil
}

func (f *fakeCatalog) SaveLearned(_ context.Context, lm LearnedMatch, _ time.Time) error {
	f.learned[lm.Input] = lm
	return nil
}

func (f *fakeCatalog) RecordCanonicalUsage(_ context.Context, canonicalID string) error {
	f.usage[canonicalID]++
	return nil
}

func (f *fakeCatalog) RecordVariantUsage(_ context.Context, variant string) error {
	f.usage[variant]++
	return nil
}

func TestNormalize_ExactTier(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)

	matches, err := n.Normalize(context.Background(), "John Deere X9 1100", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "john_deere/x9_1100", matches[0].CanonicalID)
	assert.Equal(t, 1.0, matches[0].Confidence)
	assert.Equal(t, TierExact, matches[0].Tier)
	assert.False(t, matches[0].RequiresConfirmation)
	assert.Equal(t, 1, cat.usage["john_deere/x9_1100"])
}

func TestNormalize_KnownVariantTier(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)

	// "JD X9-1100" is a seeded variant spelling.
	matches, err := n.Normalize(context.Background(), "JD X9-1100", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "john_deere/x9_1100", matches[0].CanonicalID)
	assert.Equal(t, ConfidenceVariant, matches[0].Confidence)
	assert.Equal(t, TierKnownVariant, matches[0].Tier)
	assert.False(t, matches[0].RequiresConfirmation)
}

func TestNormalize_LearnedTier(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)
	ctx := context.Background()

	// No tier hits "green deere x9" until the user confirms it once.
	_, err := n.Normalize(ctx, "green deere x9", Options{})
	require.Error(t, err)

	require.NoError(t, n.Confirm(ctx, "green deere x9", "john_deere/x9_1100"))

	matches, err := n.Normalize(ctx, "green deere x9", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "john_deere/x9_1100", matches[0].CanonicalID)
	assert.Equal(t, ConfidenceLearned, matches[0].Confidence)
	assert.Equal(t, TierKnownVariant, matches[0].Tier)
	assert.False(t, matches[0].RequiresConfirmation)
}

func TestNormalize_RejectWithCorrectionLearns(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)
	ctx := context.Background()

	require.NoError(t, n.Reject(ctx, "orange tractor m7", "john_deere/x9_1100", "kubota/m7_172"))

	matches, err := n.Normalize(ctx, "orange tractor m7", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "kubota/m7_172", matches[0].CanonicalID)
}

func TestNormalize_FuzzyTier(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)

	// One transposition away from "kubotam7172".
	matches, err := n.Normalize(context.Background(), "Kubota M7-127", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	top := matches[0]
	assert.Equal(t, "kubota/m7_172", top.CanonicalID)
	assert.Equal(t, TierFuzzy, top.Tier)
	assert.True(t, top.RequiresConfirmation)
	assert.GreaterOrEqual(t, top.Confidence, MinSimilarity)
	assert.Less(t, top.Confidence, ConfidenceVariant)
	assert.Positive(t, top.EditDistance)

	assert.LessOrEqual(t, len(matches), MaxResults)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Confidence, matches[i].Confidence)
	}
}

func TestNormalize_NoMatchCarriesAlternatives(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)

	_, err := n.Normalize(context.Background(), "submarine", Options{})
	require.Error(t, err)
	assert.True(t, IsNoMatch(err))

	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "submarine", nm.Input)
	assert.LessOrEqual(t, len(nm.Alternatives), MaxResults)
	for _, alt := range nm.Alternatives {
		assert.Less(t, alt.Confidence, MinSimilarity)
		assert.True(t, alt.RequiresConfirmation)
	}
}

func TestNormalize_EmptyInput(t *testing.T) {
	n := New(newFakeCatalog())

	_, err := n.Normalize(context.Background(), "!!! ---", Options{})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNormalize_Deterministic(t *testing.T) {
	cat := newFakeCatalog()
	n := New(cat)
	ctx := context.Background()

	first, err := n.Normalize(ctx, "Kubota M7-127", Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := n.Normalize(ctx, "Kubota M7-127", Options{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"JD X9-1100", "jdx91100"},
		{"John Deere", "johndeere"},
		{"  Kubota   M7-172  ", "kubotam7172"},
		{"CASE IH 9250", "caseih9250"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonicalize(tt.in), "input=%q", tt.in)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"same", "same", 0},
		{"kitten", "sitting", 3},
		{"jdx91100", "jdx9100", 1},
		{"kubotam7172", "kubotam7127", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "a=%q b=%q", tt.a, tt.b)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity(0, 5, 5))
	assert.Equal(t, 0.5, similarity(4, 8, 8))
	assert.Equal(t, 0.0, similarity(10, 3, 3))
	assert.Equal(t, 0.0, similarity(0, 0, 0))
}
