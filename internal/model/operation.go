package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind identifies the mutation an operation carries.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// ValidOpKinds defines the allowed operation kinds.
var ValidOpKinds = map[OpKind]bool{
	OpCreate: true,
	OpUpdate: true,
	OpDelete: true,
}

// OpStatus is the lifecycle state of a queued operation.
//
// Transitions only move forward, with one exception: a transient failure
// re-arms the operation from in_flight back to pending for the next pass.
//
//	pending -> in_flight -> completed
//	pending -> in_flight -> pending    (retry re-arm)
//	pending -> in_flight -> failed     (permanent or retries exhausted)
type OpStatus string

const (
	StatusPending   OpStatus = "pending"
	StatusInFlight  OpStatus = "in_flight"
	StatusCompleted OpStatus = "completed"
	StatusFailed    OpStatus = "failed"
)

// Priority orders operations within the queue. Higher drains first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to its value.
// Returns an error for unknown names.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Operation is a durable record of an intended mutation awaiting execution
// against the remote repository.
//
// The payload is opaque to the queue: it is stored and passed through
// untouched. Only the conflict resolver decodes it.
//
// INVARIANTS:
//   - RetryCount only increases
//   - Status transitions only move forward (except the retry re-arm)
//   - At most one operation per EntityID is in_flight at any instant
type Operation struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Kind       OpKind          `json:"kind"`
	Collection string          `json:"collection"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"` // nil for deletes
	Status     OpStatus        `json:"status"`
	RetryCount int             `json:"retry_count"`
	Priority   Priority        `json:"priority"`
	Seq        int64           `json:"seq"` // logical clock tie-break for identical CreatedAt
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	NotBefore  time.Time       `json:"not_before,omitempty"` // backoff gate; zero means ready
	LastError  string          `json:"last_error,omitempty"`
}
