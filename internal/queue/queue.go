// Package queue implements the durable, priority-ordered operation queue.
//
// The queue exclusively owns the Operation lifecycle. Every status
// transition goes through an atomic check-and-set against the store, which
// is what prevents double execution under concurrent batch draining.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"fieldsync/internal/model"
	"fieldsync/internal/store"
)

// ErrThrottled is returned when a mutation for the same entity arrives
// inside the per-entity minimum interval.
var ErrThrottled = fmt.Errorf("queue: mutation throttled, retry later")

// Queue is the durable operation queue.
//
// INVARIANTS:
//   - enqueue is idempotent by operation id
//   - dequeue claims via pending->in_flight CAS; losers are skipped
//   - at most one in-flight operation per entity id at any instant
type Queue struct {
	store    *store.Store
	clock    *Clock
	idGen    IDGenerator
	throttle *Throttle
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator overrides the operation id generator (for testing).
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) {
		q.idGen = g
	}
}

// WithThrottle enables per-entity rate limiting at the enqueue boundary.
func WithThrottle(interval time.Duration) Option {
	return func(q *Queue) {
		q.throttle = NewThrottle(interval)
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a Queue over the given store. The logical clock resumes past
// the highest persisted sequence number so restarts never reuse a seq.
func New(ctx context.Context, s *store.Store, opts ...Option) (*Queue, error) {
	maxSeq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: resume clock: %w", err)
	}

	q := &Queue{
		store:    s,
		clock:    NewClockAt(maxSeq),
		idGen:    UUIDv7Generator{},
		throttle: NewThrottle(0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// EnqueueRequest describes a mutation to queue.
// ID is optional: when set, re-enqueueing with the same id is a no-op
// (idempotent submission); when empty, a new id is generated.
type EnqueueRequest struct {
	ID         string
	UserID     string
	Kind       model.OpKind
	Collection string
	EntityID   string
	Payload    json.RawMessage
	Priority   model.Priority
}

func (r EnqueueRequest) validate() error {
	if !model.ValidOpKinds[r.Kind] {
		return fmt.Errorf("queue: invalid operation kind %q", r.Kind)
	}
	if r.UserID == "" {
		return fmt.Errorf("queue: missing user id")
	}
	if r.Collection == "" {
		return fmt.Errorf("queue: missing collection")
	}
	if r.EntityID == "" {
		return fmt.Errorf("queue: missing entity id")
	}
	if r.Kind != model.OpDelete && len(r.Payload) == 0 {
		return fmt.Errorf("queue: %s operation requires a payload", r.Kind)
	}
	return nil
}

// Enqueue appends a mutation to the queue and returns the operation id.
//
// Idempotent by operation id: submitting the same id twice inserts once
// and returns the same id both times.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	now := q.now().UTC()
	if q.throttle.Enabled() {
		// The throttle window survives restarts: the last enqueue time
		// comes from the store, not just this process's memory.
		last, ok, err := q.store.LastEnqueuedAt(ctx, req.EntityID)
		if err != nil {
			return "", fmt.Errorf("enqueue: %w", err)
		}
		if ok {
			q.throttle.Seed(req.EntityID, last)
		}
	}
	if !q.throttle.Allow(req.EntityID, now) {
		return "", ErrThrottled
	}

	id := req.ID
	if id == "" {
		id = q.idGen.Generate()
	}

	op := model.Operation{
		ID:         id,
		UserID:     req.UserID,
		Kind:       req.Kind,
		Collection: req.Collection,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		Status:     model.StatusPending,
		Priority:   req.Priority,
		Seq:        q.clock.Next(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	inserted, err := q.store.InsertOperation(ctx, op)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	if inserted {
		slog.Debug("operation enqueued",
			"op_id", op.ID,
			"kind", op.Kind,
			"entity_id", op.EntityID,
			"priority", op.Priority.String(),
		)
	} else {
		slog.Debug("operation already enqueued, skipping (idempotent)", "op_id", op.ID)
	}

	return id, nil
}

// DequeueBatch returns up to max pending operations in drain order
// (priority desc, age asc) and flips each to in_flight.
//
// Operations whose entity already has an in-flight sibling are skipped,
// and at most one operation per entity is claimed per batch. The
// pending->in_flight flip is a CAS, so two concurrent drains can never
// claim the same operation.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]model.Operation, error) {
	if max <= 0 {
		return []model.Operation{}, nil
	}

	now := q.now().UTC()
	candidates, err := q.store.SelectReady(ctx, max, now)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	claimed := []model.Operation{}
	seenEntity := make(map[string]bool, len(candidates))

	for _, op := range candidates {
		// One in-flight per entity also holds within a single batch.
		if seenEntity[op.EntityID] {
			continue
		}

		ok, err := q.store.CASStatus(ctx, op.ID, model.StatusPending, model.StatusInFlight, now)
		if err != nil {
			return nil, fmt.Errorf("dequeue batch: claim %s: %w", op.ID, err)
		}
		if !ok {
			// Lost the race to a concurrent drain. The winner holds this
			// entity in flight now, so skip its siblings for the rest of
			// the batch too.
			seenEntity[op.EntityID] = true
			continue
		}

		seenEntity[op.EntityID] = true
		op.Status = model.StatusInFlight
		op.UpdatedAt = now
		claimed = append(claimed, op)
	}

	return claimed, nil
}

// MarkComplete finishes an in-flight operation. Completing an operation
// that already completed is a no-op.
func (q *Queue) MarkComplete(ctx context.Context, opID string) error {
	ok, err := q.store.CASStatus(ctx, opID, model.StatusInFlight, model.StatusCompleted, q.now().UTC())
	if err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	if ok {
		slog.Debug("operation completed", "op_id", opID)
	}
	return nil
}

// MarkFailed moves an operation to the terminal failed state. Terminal
// failures are surfaced, never silently dropped: callers read LastError
// from the stored operation.
func (q *Queue) MarkFailed(ctx context.Context, opID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.MarkFailed(ctx, opID, msg, q.now().UTC()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	slog.Warn("operation failed permanently", "op_id", opID, "error", msg)
	return nil
}

// Requeue re-arms an in-flight operation back to pending with no backoff
// gate, so the very next drain picks it up. Used on cancellation.
func (q *Queue) Requeue(ctx context.Context, opID string) error {
	return q.RequeueAfter(ctx, opID, time.Time{})
}

// RequeueAfter re-arms an in-flight operation back to pending but gates it
// behind notBefore: DequeueBatch will not claim it until that instant has
// passed. Used by the retry scheduler to persist backoff instead of
// blocking the sync pass.
func (q *Queue) RequeueAfter(ctx context.Context, opID string, notBefore time.Time) error {
	ok, err := q.store.DeferOperation(ctx, opID, notBefore, q.now().UTC())
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if ok {
		slog.Debug("operation re-armed", "op_id", opID, "not_before", notBefore)
	}
	return nil
}

// IncrementRetry bumps an operation's retry counter and records the
// triggering error. Returns the new count.
func (q *Queue) IncrementRetry(ctx context.Context, opID string, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	count, err := q.store.IncrementRetry(ctx, opID, msg, q.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// Get returns one operation by id.
func (q *Queue) Get(ctx context.Context, opID string) (model.Operation, error) {
	return q.store.GetOperation(ctx, opID)
}

// Counts returns operation counts by status for queue inspection.
func (q *Queue) Counts(ctx context.Context) (map[model.OpStatus]int, error) {
	return q.store.CountByStatus(ctx)
}

// Clock returns the queue's logical clock.
func (q *Queue) Clock() *Clock {
	return q.clock
}
