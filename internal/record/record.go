// Package record defines the equipment record value type.
//
// Records are immutable values: every "update" returns a new copy and
// shared slices are cloned on the way in and out. This removes aliasing
// hazards when records cross goroutine boundaries during batch execution.
package record

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Provenance indicates where a record's data came from. Verified sources
// earn a confidence bonus in scoring.
type Provenance string

const (
	ProvenanceUserEntered          Provenance = "user_entered"
	ProvenanceManufacturerVerified Provenance = "manufacturer_verified"
	ProvenanceExpertValidated      Provenance = "expert_validated"
)

// Equipment is one user-owned equipment record.
//
// Brand, Model, and UserID are required. Everything else is optional and
// counts toward the completeness component of the confidence score.
// EngineHours is a monotonic counter: merges take the larger value.
type Equipment struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Brand           string     `json:"brand"`
	Model           string     `json:"model"`
	CanonicalID     string     `json:"canonical_id,omitempty"`
	Nickname        string     `json:"nickname,omitempty"`
	Year            int        `json:"year,omitempty"`
	EngineHours     float64    `json:"engine_hours,omitempty"`
	Notes           []string   `json:"notes,omitempty"`
	Attachments     []string   `json:"attachments,omitempty"`
	Provenance      Provenance `json:"provenance,omitempty"`
	MatchConfidence float64    `json:"match_confidence,omitempty"` // normalizer confidence at creation

	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// Validate checks required fields. Records failing validation are rejected
// before an operation is ever created.
func (e Equipment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("equipment: missing id")
	}
	if e.UserID == "" {
		return fmt.Errorf("equipment: missing user id")
	}
	if e.Brand == "" || e.Model == "" {
		return fmt.Errorf("equipment %s: brand and model are required", e.ID)
	}
	return nil
}

// Clone returns a deep copy. Slice fields are copied so the result never
// aliases the receiver.
func (e Equipment) Clone() Equipment {
	e.Notes = slices.Clone(e.Notes)
	e.Attachments = slices.Clone(e.Attachments)
	return e
}

// WithNickname returns a copy with the nickname replaced and the version
// and timestamp advanced.
func (e Equipment) WithNickname(nickname string, now time.Time) Equipment {
	out := e.Clone()
	out.Nickname = nickname
	return out.touched(now)
}

// WithEngineHours returns a copy with the hour meter advanced. Engine hours
// never decrease; a smaller reading is ignored.
func (e Equipment) WithEngineHours(hours float64, now time.Time) Equipment {
	out := e.Clone()
	if hours > out.EngineHours {
		out.EngineHours = hours
		return out.touched(now)
	}
	return out
}

// WithNote returns a copy with a note appended.
func (e Equipment) WithNote(note string, now time.Time) Equipment {
	out := e.Clone()
	out.Notes = append(out.Notes, note)
	return out.touched(now)
}

// WithCanonicalID returns a copy stamped with a normalization result.
func (e Equipment) WithCanonicalID(canonicalID string, confidence float64, now time.Time) Equipment {
	out := e.Clone()
	out.CanonicalID = canonicalID
	out.MatchConfidence = confidence
	return out.touched(now)
}

// WithSyncStamp returns a copy with the last-synced time set. This does not
// bump the version: sync stamping is bookkeeping, not a user edit.
func (e Equipment) WithSyncStamp(now time.Time) Equipment {
	out := e.Clone()
	out.LastSyncedAt = now
	return out
}

func (e Equipment) touched(now time.Time) Equipment {
	e.Version++
	e.UpdatedAt = now
	return e
}

// Marshal encodes a record as JSON for use as an operation payload.
func Marshal(e Equipment) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal equipment %s: %w", e.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an operation payload back into a record.
func Unmarshal(data []byte) (Equipment, error) {
	var e Equipment
	if err := json.Unmarshal(data, &e); err != nil {
		return Equipment{}, fmt.Errorf("unmarshal equipment: %w", err)
	}
	return e, nil
}
