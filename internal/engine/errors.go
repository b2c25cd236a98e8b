package engine

import (
	"errors"
	"fmt"

	"fieldsync/internal/normalize"
	"fieldsync/internal/repo"
)

// SyncError represents a failure surfaced from the sync pipeline.
//
// Every user-visible failure carries a short message, the original
// technical detail, and a set of recovery actions so a caller can present
// actionable choices rather than a bare failure.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a short human-readable description.
	Message string

	// OpID identifies the affected operation, when there is one.
	OpID string

	// EntityID identifies the affected entity, when there is one.
	EntityID string

	// Recovery lists the actions a caller can offer the user.
	Recovery []RecoveryAction

	// Err is the original technical detail.
	Err error
}

// SyncErrorCode categorizes sync failures.
type SyncErrorCode string

const (
	// ErrCodeValidation indicates bad input shape. Never retried.
	ErrCodeValidation SyncErrorCode = "VALIDATION"

	// ErrCodeNoConnection indicates the remote is unreachable.
	ErrCodeNoConnection SyncErrorCode = "NO_CONNECTION"

	// ErrCodeTimeout indicates a remote call exceeded its bound.
	ErrCodeTimeout SyncErrorCode = "TIMEOUT"

	// ErrCodeServerError indicates a remote-side failure (5xx-equivalent).
	ErrCodeServerError SyncErrorCode = "SERVER_ERROR"

	// ErrCodeRateLimited indicates the remote is shedding load.
	ErrCodeRateLimited SyncErrorCode = "RATE_LIMITED"

	// ErrCodeConflict indicates local and remote copies disagree.
	// Routed to resolution, never simply retried.
	ErrCodeConflict SyncErrorCode = "CONFLICT"

	// ErrCodeNoMatch indicates normalization found no acceptable match.
	ErrCodeNoMatch SyncErrorCode = "NO_MATCH"

	// ErrCodeCacheCorrupt indicates local cached state went bad. Triggers
	// a cache clear and forced refresh, never corrupts the queue.
	ErrCodeCacheCorrupt SyncErrorCode = "CACHE_CORRUPT"

	// ErrCodeRetriesExhausted indicates an operation failed after the
	// maximum attempt count. Terminal; surfaced, never dropped.
	ErrCodeRetriesExhausted SyncErrorCode = "RETRIES_EXHAUSTED"
)

// RecoveryAction is a recovery option to surface alongside a failure.
type RecoveryAction string

const (
	RecoveryRetry          RecoveryAction = "retry"
	RecoveryUseCachedData  RecoveryAction = "use_cached_data"
	RecoveryManualResolve  RecoveryAction = "manual_resolve"
	RecoveryContactSupport RecoveryAction = "contact_support"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OpID != "" {
		msg += fmt.Sprintf(" (op=%s)", e.OpID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be routed to the retry
// scheduler rather than failed outright.
func (e *SyncError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNoConnection, ErrCodeTimeout, ErrCodeServerError, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// CodeOf extracts the sync error code from an error chain.
func CodeOf(err error) (SyncErrorCode, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// Classify converts a failure from a collaborator (repository,
// normalizer) into a SyncError with the right code and recovery actions.
func Classify(err error, opID, entityID string) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	base := &SyncError{OpID: opID, EntityID: entityID, Err: err}

	switch {
	case repo.IsConflict(err):
		base.Code = ErrCodeConflict
		base.Message = "local and remote copies disagree"
		base.Recovery = []RecoveryAction{RecoveryManualResolve, RecoveryUseCachedData}

	case repo.IsValidation(err):
		base.Code = ErrCodeValidation
		base.Message = "record was rejected as invalid"
		base.Recovery = []RecoveryAction{RecoveryContactSupport}

	case repo.IsTransient(err):
		reason, _ := repo.TransientReasonOf(err)
		switch reason {
		case repo.ReasonTimeout:
			base.Code = ErrCodeTimeout
			base.Message = "remote call timed out"
		case repo.ReasonRateLimited:
			base.Code = ErrCodeRateLimited
			base.Message = "remote is rate limiting requests"
		case repo.ReasonServerError:
			base.Code = ErrCodeServerError
			base.Message = "remote reported a server error"
		default:
			base.Code = ErrCodeNoConnection
			base.Message = "no connection to remote"
		}
		base.Recovery = []RecoveryAction{RecoveryRetry, RecoveryUseCachedData}

	case repo.IsNotFound(err):
		// A missing remote record during update/delete is a divergence,
		// handled by conflict detection.
		base.Code = ErrCodeConflict
		base.Message = "remote copy is missing"
		base.Recovery = []RecoveryAction{RecoveryManualResolve}

	case normalize.IsNoMatch(err):
		base.Code = ErrCodeNoMatch
		base.Message = "no canonical match found"
		base.Recovery = []RecoveryAction{RecoveryManualResolve}

	default:
		base.Code = ErrCodeServerError
		base.Message = "unexpected failure"
		base.Recovery = []RecoveryAction{RecoveryRetry, RecoveryContactSupport}
	}

	return base
}

// NewRetriesExhaustedError creates the terminal error recorded when an
// operation runs out of attempts.
func NewRetriesExhaustedError(opID string, attempts int, lastErr error) *SyncError {
	return &SyncError{
		Code:     ErrCodeRetriesExhausted,
		Message:  fmt.Sprintf("gave up after %d attempts", attempts),
		OpID:     opID,
		Recovery: []RecoveryAction{RecoveryRetry, RecoveryContactSupport},
		Err:      lastErr,
	}
}
