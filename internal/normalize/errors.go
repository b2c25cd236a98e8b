package normalize

import (
	"errors"
	"fmt"
)

// NoMatchError is returned when no candidate clears the similarity floor.
//
// Alternatives carries the best-effort candidates that fell below the
// floor so a caller can still present them for manual entry.
type NoMatchError struct {
	Input        string
	Alternatives []Match
}

// Error implements the error interface.
func (e *NoMatchError) Error() string {
	if len(e.Alternatives) > 0 {
		return fmt.Sprintf("no match found for %q (%d below-floor alternatives)", e.Input, len(e.Alternatives))
	}
	return fmt.Sprintf("no match found for %q", e.Input)
}

// IsNoMatch returns true if the error is a NoMatchError.
// Uses errors.As to handle wrapped errors.
func IsNoMatch(err error) bool {
	var nm *NoMatchError
	return errors.As(err, &nm)
}

// ErrEmptyInput is returned when the input canonicalizes to nothing.
var ErrEmptyInput = errors.New("normalize: input has no letters or digits")
