// Package confidence computes the [0,1] trust score for an equipment
// record. The score is a weighted sum of field completeness, update
// recency, and data provenance, and is consumed by the conflict resolver
// as a tie-breaker.
//
// Scoring is a pure function: no clock reads, no I/O. The caller supplies
// the reference time so identical inputs always produce identical scores.
package confidence

import (
	"math"
	"time"
)

// Default scoring weights. Weights sum to 1.0 so the clamped score stays
// in [0,1] without renormalization.
const (
	DefaultWeightCompleteness = 0.35
	DefaultWeightRecency      = 0.40
	DefaultWeightProvenance   = 0.25
)

// Recency window: full credit under one day, decaying to near-zero by
// thirty days.
const (
	recencyFullCredit = 24 * time.Hour
	recencyHorizon    = 30 * 24 * time.Hour
)

// Weights configures the scoring components.
type Weights struct {
	Completeness float64
	Recency      float64
	Provenance   float64
}

// DefaultWeights returns the standard scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Completeness: DefaultWeightCompleteness,
		Recency:      DefaultWeightRecency,
		Provenance:   DefaultWeightProvenance,
	}
}

// Scorer scores records with a fixed set of weights.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer. Zero-value weights fall back to defaults.
func NewScorer(w Weights) *Scorer {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Scorer{weights: w}
}

// Scorable is the subset of a record the scorer inspects. Defined here so
// the scorer has no dependency on the record package's full surface.
type Scorable interface {
	OptionalFieldsPopulated() (populated, total int)
	LastUpdated() time.Time
	Verified() bool
}

// Score returns the confidence for a record as of now.
//
// Monotonic non-decreasing in completeness and recency: populating one
// more optional field, or a more recent update, never lowers the score.
// Always in [0,1].
func (s *Scorer) Score(r Scorable, now time.Time) float64 {
	score := s.weights.Completeness*completeness(r) +
		s.weights.Recency*recency(r.LastUpdated(), now) +
		s.weights.Provenance*provenance(r)
	return Clamp(score)
}

// completeness is the fraction of optional fields populated.
func completeness(r Scorable) float64 {
	populated, total := r.OptionalFieldsPopulated()
	if total <= 0 {
		return 0
	}
	return float64(populated) / float64(total)
}

// recency gives full credit to records updated within a day, then decays
// linearly to zero at the thirty-day horizon. A zero update time scores
// zero (never-synced legacy data).
func recency(updated, now time.Time) float64 {
	if updated.IsZero() {
		return 0
	}
	age := now.Sub(updated)
	if age < 0 {
		// Future timestamps (clock skew between devices) get full credit
		// rather than negative age blowing past the clamp.
		return 1
	}
	if age <= recencyFullCredit {
		return 1
	}
	if age >= recencyHorizon {
		return 0
	}
	remaining := float64(recencyHorizon-age) / float64(recencyHorizon-recencyFullCredit)
	return remaining
}

// provenance awards the flat verified-source bonus.
func provenance(r Scorable) float64 {
	if r.Verified() {
		return 1
	}
	return 0
}

// Clamp bounds a score to [0,1].
func Clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
