package repo

import (
	"errors"
	"fmt"
)

// FailureKind categorizes repository failures. The batch executor routes
// each outcome by kind: conflicts to resolution, transients to retry,
// validation failures to a terminal mark-failed.
type FailureKind string

const (
	KindNotFound        FailureKind = "NOT_FOUND"
	KindVersionConflict FailureKind = "VERSION_CONFLICT"
	KindTransient       FailureKind = "TRANSIENT"
	KindValidation      FailureKind = "VALIDATION"
)

// TransientReason narrows a transient failure for retry policy: rate
// limiting uses a longer fixed delay than other transients.
type TransientReason string

const (
	ReasonNoConnection TransientReason = "no_connection"
	ReasonTimeout      TransientReason = "timeout"
	ReasonServerError  TransientReason = "server_error"
	ReasonRateLimited  TransientReason = "rate_limited"
)

// Error is a typed repository failure.
type Error struct {
	Kind     FailureKind
	Reason   TransientReason // set for KindTransient only
	Op       string          // "create", "update", "delete", "get"
	EntityID string
	Err      error // underlying cause (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("repo %s %s: %s", e.Op, e.EntityID, e.Kind)
	if e.Reason != "" {
		msg += fmt.Sprintf(" (%s)", e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates a NotFound failure.
func NotFound(op, entityID string) *Error {
	return &Error{Kind: KindNotFound, Op: op, EntityID: entityID}
}

// Conflict creates a VersionConflict failure.
func Conflict(op, entityID string) *Error {
	return &Error{Kind: KindVersionConflict, Op: op, EntityID: entityID}
}

// Transient creates a transient failure with a reason.
func Transient(op, entityID string, reason TransientReason, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Op: op, EntityID: entityID, Err: err}
}

// Validation creates a validation failure.
func Validation(op, entityID string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, EntityID: entityID, Err: err}
}

// kindOf extracts the failure kind from an error chain.
func kindOf(err error) (FailureKind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// IsNotFound returns true for NotFound failures.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsConflict returns true for VersionConflict failures.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindVersionConflict
}

// IsTransient returns true for transient failures.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsValidation returns true for validation failures.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// TransientReasonOf returns the transient reason, if any.
func TransientReasonOf(err error) (TransientReason, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindTransient {
		return re.Reason, true
	}
	return "", false
}
