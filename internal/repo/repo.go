// Package repo defines the repository contract the sync core consumes.
//
// Local and remote storage are opaque behind this interface: the core
// never inspects storage internals beyond these verbs and the typed
// failures they return.
package repo

import (
	"context"

	"fieldsync/internal/record"
)

// Repository is the CRUD-shaped contract for one store of equipment
// records. Every method returns either success or a typed *Error
// (NotFound, VersionConflict, Transient, Validation).
type Repository interface {
	// Create stores a new record. Fails with VersionConflict if a record
	// with the same id already exists.
	Create(ctx context.Context, e record.Equipment) error

	// Update replaces an existing record. Fails with VersionConflict if
	// the stored version is not older than the incoming one.
	Update(ctx context.Context, id string, e record.Equipment) error

	// Delete removes a record. Fails with NotFound if it does not exist.
	Delete(ctx context.Context, id string) error

	// GetByID fetches the current copy of a record.
	GetByID(ctx context.Context, id string) (record.Equipment, error)
}
