// Package engine drives sync passes: draining the operation queue in
// batches, pushing mutations to the remote repository, retrying transient
// failures with backoff, and detecting and resolving conflicts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/confidence"
	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/record"
	"fieldsync/internal/repo"
	"fieldsync/internal/store"
)

// Engine coordinates one local store with one remote repository.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	remote   repo.Repository
	detector *ConflictDetector
	resolver *ConflictResolver
	retry    *RetryScheduler
	policy   Policy
	now      func() time.Time

	retryOpts []RetryOption
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPolicy overrides the default tuning.
func WithPolicy(p Policy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRetryOptions passes options through to the retry scheduler.
func WithRetryOptions(opts ...RetryOption) EngineOption {
	return func(e *Engine) {
		e.retryOpts = opts
	}
}

// New builds an Engine over a store, its queue, and a remote repository.
func New(s *store.Store, q *queue.Queue, remote repo.Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  s,
		queue:  q,
		remote: remote,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	scorer := confidence.NewScorer(confidence.DefaultWeights())
	e.detector = NewConflictDetector(s, remote, scorer, e.now)
	e.resolver = NewConflictResolver(s, remote, e.policy)
	e.retry = NewRetryScheduler(q, e.policy, e.retryOpts...)
	return e
}

// Resolver exposes the engine's conflict resolver for manual resolution.
func (e *Engine) Resolver() *ConflictResolver {
	return e.resolver
}

// RunOptions controls one sync pass.
type RunOptions struct {
	// Progress receives snapshots as the pass advances. Sends never
	// block: a slow consumer misses snapshots rather than stalling the
	// pass. The channel is not closed by the engine.
	Progress chan<- model.Progress

	// NoAutoResolve leaves detected conflicts unresolved in the result
	// instead of resolving them in-pass.
	NoAutoResolve bool
}

// outcome tallies what happened to the operations of one pass.
type outcome struct {
	mu        sync.Mutex
	processed int
	completed int
	failed    int
	retried   int
	resolved  int
	conflicts []model.ConflictDescriptor
}

// RunSyncPass drains the operation queue against the remote repository.
//
// Operations are claimed in priority order and executed concurrently
// within each batch, with a pause between batches. Transient failures are
// retried with exponential backoff up to the policy maximum, then failed
// terminally. Version conflicts go through detection and, unless opted
// out, automatic resolution.
//
// Cancellation stops the pass at the next batch boundary and re-arms any
// claimed-but-unexecuted operations back to pending; interrupted syncs
// lose nothing.
func (e *Engine) RunSyncPass(ctx context.Context, opts RunOptions) (model.SyncResult, error) {
	syncID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("sync_id", syncID)

	if ctx.Err() != nil {
		return model.SyncResult{SyncID: syncID, Status: model.SyncStatusCancelled}, nil
	}

	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return model.SyncResult{SyncID: syncID, Status: model.SyncStatusFailed}, err
	}
	total := counts[model.StatusPending] + counts[model.StatusInFlight]
	log.Info("sync pass starting", "pending", counts[model.StatusPending])

	out := &outcome{}
	emit(opts.Progress, snapshot(syncID, model.PhaseQueueing, total, out))

	cancelled := false

drain:
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		batch, err := e.queue.DequeueBatch(ctx, e.policy.BatchSize)
		if err != nil {
			return e.finalize(syncID, model.SyncStatusFailed, out, opts.Progress), err
		}
		if len(batch) == 0 {
			break
		}

		conflictsBefore, resolvedBefore := out.conflictCounts()

		var wg sync.WaitGroup
		for i := range batch {
			op := batch[i]
			if ctx.Err() != nil {
				// Claimed but not executed: put it back.
				if rqErr := e.queue.Requeue(context.WithoutCancel(ctx), op.ID); rqErr != nil {
					log.Error("re-arm on cancel failed", "op_id", op.ID, "error", rqErr)
				}
				cancelled = true
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.executeOne(ctx, op, opts.NoAutoResolve, out, log)
			}()
		}
		wg.Wait()

		emit(opts.Progress, snapshot(syncID, batchPhase(out, conflictsBefore, resolvedBefore), total, out))
		if cancelled {
			break drain
		}

		if err := sleepContext(ctx, e.policy.InterBatchPause); err != nil {
			cancelled = true
			break
		}
	}

	emit(opts.Progress, snapshot(syncID, model.PhaseFinalizing, total, out))

	status := model.SyncStatusCompleted
	switch {
	case cancelled:
		status = model.SyncStatusCancelled
	case out.failed > 0 || len(out.conflicts) > 0:
		status = model.SyncStatusPartial
	case out.retried > 0:
		// Re-armed operations may still sit behind their backoff gate;
		// pending work left over means the pass was not a clean finish.
		counts, cErr := e.queue.Counts(context.WithoutCancel(ctx))
		if cErr == nil && counts[model.StatusPending] > 0 {
			status = model.SyncStatusPartial
		}
	}

	return e.finalize(syncID, status, out, opts.Progress), nil
}

// conflictCounts reads the conflict and resolution tallies under the lock.
func (o *outcome) conflictCounts() (conflicts, resolved int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conflicts), o.resolved
}

// batchPhase reports the batch as conflict-resolution work when the batch
// surfaced or resolved conflicts, plain processing otherwise.
func batchPhase(out *outcome, conflictsBefore, resolvedBefore int) model.SyncPhase {
	conflicts, resolved := out.conflictCounts()
	if conflicts > conflictsBefore || resolved > resolvedBefore {
		return model.PhaseResolvingConflicts
	}
	return model.PhaseProcessing
}

// executeOne pushes a single in-flight operation to the remote and routes
// the result: complete, retry, conflict, or terminal failure.
func (e *Engine) executeOne(ctx context.Context, op model.Operation, noAutoResolve bool, out *outcome, log *slog.Logger) {
	out.mu.Lock()
	out.processed++
	out.mu.Unlock()

	err := e.push(ctx, op)
	if err == nil {
		if mErr := e.queue.MarkComplete(ctx, op.ID); mErr != nil {
			log.Error("mark complete failed", "op_id", op.ID, "error", mErr)
		}
		if op.Kind != model.OpDelete {
			if sErr := e.store.StampSynced(ctx, op.EntityID, e.now().UTC()); sErr != nil {
				log.Error("sync stamp failed", "entity_id", op.EntityID, "error", sErr)
			}
		}
		out.mu.Lock()
		out.completed++
		out.mu.Unlock()
		return
	}

	if ctx.Err() != nil {
		// The pass was cancelled mid-push; the failure says nothing about
		// the operation. Put it back untouched, retry budget intact.
		if rqErr := e.queue.Requeue(context.WithoutCancel(ctx), op.ID); rqErr != nil {
			log.Error("re-arm on cancel failed", "op_id", op.ID, "error", rqErr)
		}
		return
	}

	syncErr := Classify(err, op.ID, op.EntityID)

	switch {
	case syncErr.Code == ErrCodeConflict:
		e.handleConflict(ctx, op, noAutoResolve, out, log)

	case syncErr.IsRetryable():
		retried, rErr := e.retry.Handle(ctx, op, syncErr)
		if rErr != nil && ctx.Err() == nil {
			log.Error("retry handling failed", "op_id", op.ID, "error", rErr)
		}
		out.mu.Lock()
		if retried {
			out.retried++
		} else {
			out.failed++
		}
		out.mu.Unlock()

	default:
		if mErr := e.queue.MarkFailed(ctx, op.ID, syncErr); mErr != nil {
			log.Error("mark failed failed", "op_id", op.ID, "error", mErr)
		}
		out.mu.Lock()
		out.failed++
		out.mu.Unlock()
	}
}

// push performs the remote call for one operation, bounded by the policy
// remote timeout.
func (e *Engine) push(ctx context.Context, op model.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, e.policy.RemoteTimeout)
	defer cancel()

	switch op.Kind {
	case model.OpDelete:
		err := e.remote.Delete(ctx, op.EntityID)
		if repo.IsNotFound(err) {
			// Already gone remotely; deleting is idempotent.
			return nil
		}
		return err

	case model.OpCreate, model.OpUpdate:
		rec, err := record.Unmarshal(op.Payload)
		if err != nil {
			return repo.Validation(string(op.Kind), op.EntityID, err)
		}
		if err := rec.Validate(); err != nil {
			return repo.Validation(string(op.Kind), op.EntityID, err)
		}
		if op.Kind == model.OpCreate {
			// A conflicting create means the record already reached the
			// server some other way; it routes to conflict handling.
			return e.remote.Create(ctx, rec)
		}
		err = e.remote.Update(ctx, op.EntityID, rec)
		if repo.IsNotFound(err) {
			// Record never reached the server; an update becomes a create.
			return e.remote.Create(ctx, rec)
		}
		return err

	default:
		return repo.Validation(string(op.Kind), op.EntityID, fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}

// handleConflict runs detection and, unless opted out, resolution for a
// rejected write. The operation completes either way: its mutation is
// subsumed by the conflict descriptor, which survives until resolved.
func (e *Engine) handleConflict(ctx context.Context, op model.Operation, noAutoResolve bool, out *outcome, log *slog.Logger) {
	// Deletes carry no payload; detection sees a zero local record and
	// treats the tombstone itself as the local side.
	var local record.Equipment
	if op.Kind != model.OpDelete {
		l, err := record.Unmarshal(op.Payload)
		if err != nil {
			if mErr := e.queue.MarkFailed(ctx, op.ID, err); mErr != nil {
				log.Error("mark failed failed", "op_id", op.ID, "error", mErr)
			}
			out.mu.Lock()
			out.failed++
			out.mu.Unlock()
			return
		}
		local = l
	}

	desc, conflicting, err := e.detector.Detect(ctx, op, local)
	if err != nil {
		// Detection needs the remote; treat its failure as transient.
		syncErr := Classify(err, op.ID, op.EntityID)
		retried, rErr := e.retry.Handle(ctx, op, syncErr)
		if rErr != nil && ctx.Err() == nil {
			log.Error("retry handling failed", "op_id", op.ID, "error", rErr)
		}
		out.mu.Lock()
		if retried {
			out.retried++
		} else {
			out.failed++
		}
		out.mu.Unlock()
		return
	}

	if !conflicting {
		// False positive: version skew without content disagreement.
		if mErr := e.queue.MarkComplete(ctx, op.ID); mErr != nil {
			log.Error("mark complete failed", "op_id", op.ID, "error", mErr)
		}
		out.mu.Lock()
		out.completed++
		out.mu.Unlock()
		return
	}

	if noAutoResolve {
		if mErr := e.queue.MarkComplete(ctx, op.ID); mErr != nil {
			log.Error("mark complete failed", "op_id", op.ID, "error", mErr)
		}
		out.mu.Lock()
		out.completed++
		out.conflicts = append(out.conflicts, desc)
		out.mu.Unlock()
		return
	}

	if _, err := e.resolver.Resolve(ctx, desc); err != nil {
		log.Warn("automatic resolution failed, conflict kept for manual review",
			"conflict_id", desc.ID, "error", err)
		if mErr := e.queue.MarkComplete(ctx, op.ID); mErr != nil {
			log.Error("mark complete failed", "op_id", op.ID, "error", mErr)
		}
		out.mu.Lock()
		out.completed++
		out.conflicts = append(out.conflicts, desc)
		out.mu.Unlock()
		return
	}

	if mErr := e.queue.MarkComplete(ctx, op.ID); mErr != nil {
		log.Error("mark complete failed", "op_id", op.ID, "error", mErr)
	}
	out.mu.Lock()
	out.completed++
	out.resolved++
	out.mu.Unlock()
}

func (e *Engine) finalize(syncID string, status model.SyncStatus, out *outcome, progress chan<- model.Progress) model.SyncResult {
	out.mu.Lock()
	defer out.mu.Unlock()

	phase := model.PhaseCompleted
	if status == model.SyncStatusFailed {
		phase = model.PhaseFailed
	}
	emit(progress, model.Progress{
		SyncID:         syncID,
		Phase:          phase,
		Fraction:       1,
		ProcessedCount: out.processed,
		ConflictCount:  len(out.conflicts),
	})

	res := model.SyncResult{
		SyncID:              syncID,
		Status:              status,
		ProcessedOperations: out.processed,
		CompletedOperations: out.completed,
		FailedOperations:    out.failed,
		RetriedOperations:   out.retried,
		ResolvedConflicts:   out.resolved,
		Conflicts:           append([]model.ConflictDescriptor(nil), out.conflicts...),
	}

	slog.Info("sync pass finished",
		"sync_id", syncID,
		"status", res.Status,
		"processed", res.ProcessedOperations,
		"completed", res.CompletedOperations,
		"failed", res.FailedOperations,
		"retried", res.RetriedOperations,
		"resolved_conflicts", res.ResolvedConflicts,
		"open_conflicts", len(res.Conflicts),
	)
	return res
}

func snapshot(syncID string, phase model.SyncPhase, total int, out *outcome) model.Progress {
	out.mu.Lock()
	defer out.mu.Unlock()

	frac := 0.0
	if total > 0 {
		frac = float64(out.processed) / float64(total)
		if frac > 1 {
			frac = 1
		}
	}
	return model.Progress{
		SyncID:         syncID,
		Phase:          phase,
		Fraction:       frac,
		ProcessedCount: out.processed,
		ConflictCount:  len(out.conflicts),
	}
}

func emit(ch chan<- model.Progress, p model.Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
