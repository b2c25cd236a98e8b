package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/model"
)

// InsertConflict persists a detected conflict until it is resolved.
// Idempotent by conflict id.
func (s *Store) InsertConflict(ctx context.Context, c model.ConflictDescriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(id, operation_id, entity_id, collection, type, local_payload, remote_payload,
		 local_timestamp, remote_timestamp, local_confidence, remote_confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.OperationID,
		c.EntityID,
		c.Collection,
		string(c.Type),
		[]byte(c.LocalPayload),
		[]byte(c.RemotePayload),
		c.LocalTimestamp.UnixNano(),
		c.RemoteTimestamp.UnixNano(),
		c.LocalConfidence,
		c.RemoteConfidence,
		c.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict returns one pending conflict by id.
// Returns ErrNotFound if it does not exist (or was already resolved).
func (s *Store) GetConflict(ctx context.Context, id string) (model.ConflictDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation_id, entity_id, collection, type, local_payload, remote_payload,
		       local_timestamp, remote_timestamp, local_confidence, remote_confidence, detected_at
		FROM conflicts
		WHERE id = ?
	`, id)

	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictDescriptor{}, fmt.Errorf("get conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ConflictDescriptor{}, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return c, nil
}

// DeleteConflict removes a conflict once resolved. Deleting a missing
// conflict is a no-op, which keeps resolution idempotent.
func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conflict %s: %w", id, err)
	}
	return nil
}

// ListConflicts returns all pending conflicts ordered by detection time.
func (s *Store) ListConflicts(ctx context.Context) ([]model.ConflictDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, entity_id, collection, type, local_payload, remote_payload,
		       local_timestamp, remote_timestamp, local_confidence, remote_confidence, detected_at
		FROM conflicts
		ORDER BY detected_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []model.ConflictDescriptor{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conflicts: iterate: %w", err)
	}
	return out, nil
}

func scanConflict(row rowScanner) (model.ConflictDescriptor, error) {
	var (
		c                                  model.ConflictDescriptor
		typ                                string
		localPayload, remotePayload        []byte
		localNs, remoteNs, detectedNs      int64
	)
	err := row.Scan(
		&c.ID,
		&c.OperationID,
		&c.EntityID,
		&c.Collection,
		&typ,
		&localPayload,
		&remotePayload,
		&localNs,
		&remoteNs,
		&c.LocalConfidence,
		&c.RemoteConfidence,
		&detectedNs,
	)
	if err != nil {
		return model.ConflictDescriptor{}, err
	}

	c.Type = model.ConflictType(typ)
	c.LocalPayload = localPayload
	c.RemotePayload = remotePayload
	c.LocalTimestamp = time.Unix(0, localNs).UTC()
	c.RemoteTimestamp = time.Unix(0, remoteNs).UTC()
	c.DetectedAt = time.Unix(0, detectedNs).UTC()
	return c, nil
}
