package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fieldsync/internal/model"
)

// InsertOperation inserts an operation into the queue.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: re-enqueuing the same
// logical mutation with the same id is a no-op. Returns whether a new row
// was inserted.
func (s *Store) InsertOperation(ctx context.Context, op model.Operation) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations
		(id, user_id, kind, collection, entity_id, payload, status, retry_count, priority, seq, created_at, updated_at, not_before, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		op.ID,
		op.UserID,
		string(op.Kind),
		op.Collection,
		op.EntityID,
		[]byte(op.Payload),
		string(op.Status),
		op.RetryCount,
		int(op.Priority),
		op.Seq,
		op.CreatedAt.UnixNano(),
		op.UpdatedAt.UnixNano(),
		timeToNs(op.NotBefore),
		op.LastError,
	)
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert operation: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetOperation returns one operation by id.
// Returns sql.ErrNoRows (wrapped) if the operation does not exist.
func (s *Store) GetOperation(ctx context.Context, id string) (model.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, collection, entity_id, payload, status, retry_count, priority, seq, created_at, updated_at, not_before, last_error
		FROM operations
		WHERE id = ?
	`, id)

	op, err := scanOperation(row)
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// SelectReady returns up to max pending operations in drain order
// (priority desc, created_at asc, seq asc), excluding any operation whose
// entity already has an in-flight sibling and any operation whose backoff
// gate (not_before) has not yet passed.
//
// Selection does not change status; callers follow up with CASStatus to
// claim each operation. Returns empty slice (not nil) when nothing is ready.
func (s *Store) SelectReady(ctx context.Context, max int, now time.Time) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, collection, entity_id, payload, status, retry_count, priority, seq, created_at, updated_at, not_before, last_error
		FROM operations
		WHERE status = 'pending'
		  AND not_before <= ?
		  AND entity_id NOT IN (
		      SELECT entity_id FROM operations WHERE status = 'in_flight'
		  )
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT ?
	`, now.UnixNano(), max)
	if err != nil {
		return nil, fmt.Errorf("select ready operations: %w", err)
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ready operations: %w", err)
	}

	return ops, nil
}

// CASStatus atomically flips an operation's status from one state to
// another. Returns false (without error) if the operation was not in the
// expected state - the caller lost the race and must not proceed.
//
// This is the check-and-set primitive behind both the "flip to in-flight
// only if currently pending" claim and the retry re-arm.
func (s *Store) CASStatus(ctx context.Context, id string, from, to model.OpStatus, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), now.UnixNano(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("cas status %s %s->%s: %w", id, from, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas status: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeferOperation re-arms an in-flight operation back to pending with a
// backoff gate: SelectReady skips it until notBefore passes. A zero
// notBefore clears the gate. Returns false if the operation was not
// in_flight.
func (s *Store) DeferOperation(ctx context.Context, id string, notBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'pending', not_before = ?, updated_at = ?
		WHERE id = ? AND status = 'in_flight'
	`, timeToNs(notBefore), now.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("defer operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("defer operation: rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkFailed moves an operation to the terminal failed state and records
// the final error. Completed operations are never touched.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_flight')
	`, lastError, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and records the triggering error.
// Returns the new retry count. The counter only moves up.
func (s *Store) IncrementRetry(ctx context.Context, id, lastError string, now time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, lastError, now.UnixNano(), id)
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM operations WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment retry %s: read count: %w", id, err)
	}
	return count, nil
}

// HasInFlight reports whether an entity currently has an in-flight
// operation.
func (s *Store) HasInFlight(ctx context.Context, entityID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE entity_id = ? AND status = 'in_flight'
	`, entityID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has in-flight %s: %w", entityID, err)
	}
	return count > 0, nil
}

// CountByStatus returns operation counts grouped by status, for queue
// inspection.
func (s *Store) CountByStatus(ctx context.Context) (map[model.OpStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM operations GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.OpStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count by status: scan: %w", err)
		}
		counts[model.OpStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: iterate: %w", err)
	}
	return counts, nil
}

// LastEnqueuedAt returns the creation time of the most recent operation
// for an entity. Lets a fresh process resume per-entity throttling from
// durable state.
func (s *Store) LastEnqueuedAt(ctx context.Context, entityID string) (time.Time, bool, error) {
	var ns sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM operations WHERE entity_id = ?
	`, entityID).Scan(&ns)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last enqueued at %s: %w", entityID, err)
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64).UTC(), true, nil
}

// MaxSeq returns the highest sequence number in the queue, so the logical
// clock can resume after a restart.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM operations`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanOperation.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op                                model.Operation
		kind, status                      string
		priority                          int
		payload                           []byte
		createdNs, updatedNs, notBeforeNs int64
	)
	err := row.Scan(
		&op.ID,
		&op.UserID,
		&kind,
		&op.Collection,
		&op.EntityID,
		&payload,
		&status,
		&op.RetryCount,
		&priority,
		&op.Seq,
		&createdNs,
		&updatedNs,
		&notBeforeNs,
		&op.LastError,
	)
	if err != nil {
		return model.Operation{}, err
	}

	op.Kind = model.OpKind(kind)
	op.Status = model.OpStatus(status)
	op.Priority = model.Priority(priority)
	op.Payload = payload
	op.CreatedAt = time.Unix(0, createdNs).UTC()
	op.UpdatedAt = time.Unix(0, updatedNs).UTC()
	if notBeforeNs != 0 {
		op.NotBefore = time.Unix(0, notBeforeNs).UTC()
	}
	return op, nil
}

// timeToNs stores the zero time as 0, not as the epoch in nanoseconds.
func timeToNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
