package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fieldsync/internal/confidence"
	"fieldsync/internal/model"
	"fieldsync/internal/record"
	"fieldsync/internal/repo"
	"fieldsync/internal/store"
)

// ConflictDetector examines a rejected write and decides whether local
// and remote genuinely disagree. Writes that bounced on a version check
// but carry no material difference are not conflicts; they complete as-is.
type ConflictDetector struct {
	store  *store.Store
	remote repo.Repository
	scorer *confidence.Scorer
	now    func() time.Time
}

// NewConflictDetector builds a detector over the local store and the
// remote repository.
func NewConflictDetector(s *store.Store, remote repo.Repository, scorer *confidence.Scorer, now func() time.Time) *ConflictDetector {
	if now == nil {
		now = time.Now
	}
	return &ConflictDetector{store: s, remote: remote, scorer: scorer, now: now}
}

// Detect fetches the remote copy for a rejected operation, compares it
// against the local record, and persists a ConflictDescriptor when the
// two materially differ. The bool is false when no real conflict exists.
//
// The descriptor id is derived from the operation id, so re-detecting
// the same rejected operation never duplicates the conflict row.
//
// A remote copy that has vanished (deleted on the server while we edited
// offline) is a whole-record conflict with an empty remote payload. The
// mirror case, a local delete rejected because the server copy moved on,
// is a whole-record conflict with an empty local payload; a rejected
// delete whose remote copy is also gone is no conflict at all.
func (d *ConflictDetector) Detect(ctx context.Context, op model.Operation, local record.Equipment) (model.ConflictDescriptor, bool, error) {
	now := d.now().UTC()
	isDelete := op.Kind == model.OpDelete

	localBody := []byte("null")
	localTS := op.CreatedAt
	localConf := 0.0
	if !isDelete {
		body, err := record.Marshal(local)
		if err != nil {
			return model.ConflictDescriptor{}, false, fmt.Errorf("detect conflict: %w", err)
		}
		localBody = body
		localTS = local.UpdatedAt
		localConf = d.scorer.Score(local, now)
	}

	remoteRec, err := d.remote.GetByID(ctx, op.EntityID)
	if err != nil {
		if !repo.IsNotFound(err) {
			return model.ConflictDescriptor{}, false, fmt.Errorf("detect conflict: fetch remote %s: %w", op.EntityID, err)
		}
		if isDelete {
			// Both sides agree the record is gone; the delete stands.
			return model.ConflictDescriptor{}, false, nil
		}

		desc := model.ConflictDescriptor{
			ID:              conflictID(op.ID),
			OperationID:     op.ID,
			EntityID:        op.EntityID,
			Collection:      op.Collection,
			Type:            model.ConflictWholeRecord,
			LocalPayload:    localBody,
			RemotePayload:   []byte("null"),
			LocalTimestamp:  localTS,
			RemoteTimestamp: time.Time{},
			LocalConfidence: localConf,
			DetectedAt:      now,
		}
		if err := d.store.InsertConflict(ctx, desc); err != nil {
			return model.ConflictDescriptor{}, false, fmt.Errorf("detect conflict: %w", err)
		}
		return desc, true, nil
	}

	if !isDelete && !materiallyDifferent(local, remoteRec) {
		// Version numbers disagree but the content does not. Nothing to
		// resolve; the caller completes the operation.
		slog.Debug("version mismatch without material difference", "entity_id", local.ID)
		return model.ConflictDescriptor{}, false, nil
	}

	remoteBody, err := record.Marshal(remoteRec)
	if err != nil {
		return model.ConflictDescriptor{}, false, fmt.Errorf("detect conflict: %w", err)
	}

	ctype := model.ConflictWholeRecord
	if op.Kind != model.OpDelete && record.MergeableFields(local, remoteRec) {
		ctype = model.ConflictFieldSet
	}

	desc := model.ConflictDescriptor{
		ID:               conflictID(op.ID),
		OperationID:      op.ID,
		EntityID:         op.EntityID,
		Collection:       op.Collection,
		Type:             ctype,
		LocalPayload:     localBody,
		RemotePayload:    remoteBody,
		LocalTimestamp:   localTS,
		RemoteTimestamp:  remoteRec.UpdatedAt,
		LocalConfidence:  localConf,
		RemoteConfidence: d.scorer.Score(remoteRec, now),
		DetectedAt:       now,
	}

	if err := d.store.InsertConflict(ctx, desc); err != nil {
		return model.ConflictDescriptor{}, false, fmt.Errorf("detect conflict: %w", err)
	}

	slog.Info("conflict detected",
		"conflict_id", desc.ID,
		"entity_id", desc.EntityID,
		"type", desc.Type,
		"local_confidence", desc.LocalConfidence,
		"remote_confidence", desc.RemoteConfidence,
	)
	return desc, true, nil
}

func conflictID(opID string) string {
	return "cfl-" + opID
}

// materiallyDifferent reports whether the two copies disagree on any
// user-visible field. Version counters and sync stamps do not count.
func materiallyDifferent(a, b record.Equipment) bool {
	if a.Brand != b.Brand || a.Model != b.Model {
		return true
	}
	if a.CanonicalID != b.CanonicalID || a.Nickname != b.Nickname {
		return true
	}
	if a.Year != b.Year || a.EngineHours != b.EngineHours {
		return true
	}
	if a.Provenance != b.Provenance {
		return true
	}
	if !equalStrings(a.Notes, b.Notes) || !equalStrings(a.Attachments, b.Attachments) {
		return true
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
