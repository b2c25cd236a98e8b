package engine

import (
	"context"
	"fmt"

	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/record"
)

// CollectionEquipment is the collection name for equipment records.
const CollectionEquipment = "equipment"

// SubmitCreate applies a new record locally and queues it for sync.
// The local write happens immediately; the remote catches up on the next
// sync pass.
func (e *Engine) SubmitCreate(ctx context.Context, rec record.Equipment, priority model.Priority) (string, error) {
	return e.submit(ctx, model.OpCreate, rec, priority)
}

// SubmitUpdate applies an edit locally and queues it for sync.
func (e *Engine) SubmitUpdate(ctx context.Context, rec record.Equipment, priority model.Priority) (string, error) {
	return e.submit(ctx, model.OpUpdate, rec, priority)
}

func (e *Engine) submit(ctx context.Context, kind model.OpKind, rec record.Equipment, priority model.Priority) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	if err := e.store.SaveEquipment(ctx, rec); err != nil {
		return "", fmt.Errorf("submit %s: %w", kind, err)
	}

	payload, err := record.Marshal(rec)
	if err != nil {
		return "", err
	}

	return e.queue.Enqueue(ctx, queue.EnqueueRequest{
		UserID:     rec.UserID,
		Kind:       kind,
		Collection: CollectionEquipment,
		EntityID:   rec.ID,
		Payload:    payload,
		Priority:   priority,
	})
}

// SubmitDelete removes a record locally and queues the deletion.
func (e *Engine) SubmitDelete(ctx context.Context, userID, entityID string, priority model.Priority) (string, error) {
	if err := e.store.DeleteEquipment(ctx, entityID); err != nil {
		return "", fmt.Errorf("submit delete: %w", err)
	}

	return e.queue.Enqueue(ctx, queue.EnqueueRequest{
		UserID:     userID,
		Kind:       model.OpDelete,
		Collection: CollectionEquipment,
		EntityID:   entityID,
		Priority:   priority,
	})
}

// StatusReport summarizes the durable sync state for inspection.
type StatusReport struct {
	Operations map[model.OpStatus]int     `json:"operations"`
	Conflicts  []model.ConflictDescriptor `json:"conflicts"`
}

// Status reports queue depth by status and all unresolved conflicts.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Operations: counts, Conflicts: conflicts}, nil
}
