package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/record"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveEquipment upserts the local copy of an equipment record.
// The full record is stored as JSON; version and timestamps are duplicated
// into columns for querying without decoding.
func (s *Store) SaveEquipment(ctx context.Context, e record.Equipment) error {
	body, err := record.Marshal(e)
	if err != nil {
		return fmt.Errorf("save equipment: %w", err)
	}

	var syncedNs any
	if !e.LastSyncedAt.IsZero() {
		syncedNs = e.LastSyncedAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO equipment (id, user_id, body, version, updated_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			version = excluded.version,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`, e.ID, e.UserID, body, e.Version, e.UpdatedAt.UnixNano(), syncedNs)
	if err != nil {
		return fmt.Errorf("save equipment %s: %w", e.ID, err)
	}
	return nil
}

// GetEquipment returns the local copy of one equipment record.
// Returns ErrNotFound if no record exists with the given id.
func (s *Store) GetEquipment(ctx context.Context, id string) (record.Equipment, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM equipment WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Equipment{}, fmt.Errorf("get equipment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.Equipment{}, fmt.Errorf("get equipment %s: %w", id, err)
	}

	e, err := record.Unmarshal(body)
	if err != nil {
		return record.Equipment{}, fmt.Errorf("get equipment %s: %w", id, err)
	}
	return e, nil
}

// DeleteEquipment removes the local copy of a record. Deleting a missing
// record is a no-op.
func (s *Store) DeleteEquipment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM equipment WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete equipment %s: %w", id, err)
	}
	return nil
}

// StampSynced records the time a record's pending mutation reached the
// remote repository. The stored body is updated so the stamp survives a
// round-trip through GetEquipment.
func (s *Store) StampSynced(ctx context.Context, id string, syncedAt time.Time) error {
	e, err := s.GetEquipment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Record was deleted locally after the operation was queued.
		return nil
	}
	if err != nil {
		return fmt.Errorf("stamp synced %s: %w", id, err)
	}
	return s.SaveEquipment(ctx, e.WithSyncStamp(syncedAt))
}

// ListEquipment returns all local records for a user, ordered by id.
func (s *Store) ListEquipment(ctx context.Context, userID string) ([]record.Equipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM equipment WHERE user_id = ? ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list equipment: %w", err)
	}
	defer rows.Close()

	out := []record.Equipment{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list equipment: scan: %w", err)
		}
		e, err := record.Unmarshal(body)
		if err != nil {
			return nil, fmt.Errorf("list equipment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list equipment: iterate: %w", err)
	}
	return out, nil
}
