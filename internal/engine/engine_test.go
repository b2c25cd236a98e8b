package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/record"
	"fieldsync/internal/repo"
	"fieldsync/internal/store"
)

var testTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// testEngine wires an engine over a throwaway store and an in-memory
// remote, with all waits disabled so passes run instantly.
type testEngine struct {
	engine *Engine
	store  *store.Store
	queue  *queue.Queue
	remote *repo.MemoryRepository
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := func() time.Time { return testTime }

	q, err := queue.New(context.Background(), s, queue.WithNowFunc(now))
	require.NoError(t, err)

	remote := repo.NewMemoryRepository()

	// Zero delays so re-armed operations are immediately claimable and
	// passes run instantly.
	p := DefaultPolicy()
	p.InterBatchPause = 0
	p.BaseDelay = 0
	p.RateLimitDelay = 0

	eng := New(s, q, remote,
		WithPolicy(p),
		WithNowFunc(now),
		WithRetryOptions(
			WithJitterFunc(func(time.Duration) time.Duration { return 0 }),
			WithRetryNowFunc(now),
		),
	)

	return &testEngine{engine: eng, store: s, queue: q, remote: remote}
}

func testRecord(id string) record.Equipment {
	return record.Equipment{
		ID:          id,
		UserID:      "user-1",
		Brand:       "John Deere",
		Model:       "X9 1100",
		CanonicalID: "john_deere/x9_1100",
		Version:     1,
		UpdatedAt:   testTime.Add(-time.Hour),
		Provenance:  record.ProvenanceUserEntered,
	}
}

func TestRunSyncPass_EmptyQueue(t *testing.T) {
	te := newTestEngine(t)

	res, err := te.engine.RunSyncPass(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 0, res.ProcessedOperations)
}

func TestRunSyncPass_CompletesOperations(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"eq-1", "eq-2", "eq-3"} {
		_, err := te.engine.SubmitCreate(ctx, testRecord(id), model.PriorityMedium)
		require.NoError(t, err)
	}

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 3, res.ProcessedOperations)
	assert.Equal(t, 3, res.CompletedOperations)
	assert.Zero(t, res.FailedOperations)
	assert.Equal(t, 3, te.remote.Len())

	// Local copies carry the sync stamp.
	rec, err := te.store.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, testTime, rec.LastSyncedAt)

	counts, err := te.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.StatusCompleted])
	assert.Zero(t, counts[model.StatusPending])
}

func TestRunSyncPass_DeleteIdempotent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// Deleting a record the remote never saw still completes.
	_, err := te.engine.SubmitDelete(ctx, "user-1", "eq-gone", model.PriorityLow)
	require.NoError(t, err)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.CompletedOperations)
}

func TestRunSyncPass_TransientFailureRetriesThenSucceeds(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	opID, err := te.engine.SubmitCreate(ctx, testRecord("eq-1"), model.PriorityHigh)
	require.NoError(t, err)

	// Two failures, then the connection comes back.
	te.remote.Inject("eq-1", repo.Transient("create", "eq-1", repo.ReasonNoConnection, nil), 2)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.CompletedOperations)
	assert.Equal(t, 2, res.RetriedOperations)

	op, err := te.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, 2, op.RetryCount)
}

func TestRunSyncPass_RetriesExhausted(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	opID, err := te.engine.SubmitCreate(ctx, testRecord("eq-1"), model.PriorityMedium)
	require.NoError(t, err)

	te.remote.Inject("eq-1", repo.Transient("create", "eq-1", repo.ReasonTimeout, nil), -1)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusPartial, res.Status)
	assert.Equal(t, 1, res.FailedOperations)
	assert.Equal(t, DefaultPolicy().MaxRetries-1, res.RetriedOperations)
	assert.Zero(t, res.CompletedOperations)

	op, err := te.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, DefaultPolicy().MaxRetries, op.RetryCount)
	assert.Contains(t, op.LastError, string(ErrCodeRetriesExhausted))
}

func TestRunSyncPass_ValidationFailureIsTerminal(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// Enqueue directly so the submit-side validation cannot catch it.
	opID, err := te.queue.Enqueue(ctx, queue.EnqueueRequest{
		UserID:     "user-1",
		Kind:       model.OpUpdate,
		Collection: CollectionEquipment,
		EntityID:   "eq-bad",
		Payload:    []byte(`{"id":"eq-bad"}`),
	})
	require.NoError(t, err)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusPartial, res.Status)
	assert.Equal(t, 1, res.FailedOperations)
	assert.Zero(t, res.RetriedOperations)

	op, err := te.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, op.Status)
}

func TestRunSyncPass_ConflictAutoResolved(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// The remote holds a higher version with an older edit time; the
	// local edit is newer, so newer-timestamp resolution keeps it.
	remoteCopy := testRecord("eq-1")
	remoteCopy.Version = 5
	remoteCopy.Nickname = "old nickname"
	remoteCopy.UpdatedAt = testTime.Add(-2 * time.Hour)
	te.remote.Put(remoteCopy)

	local := testRecord("eq-1")
	local.Version = 2
	local.Nickname = "big green"
	local.UpdatedAt = testTime.Add(-10 * time.Minute)

	_, err := te.engine.SubmitUpdate(ctx, local, model.PriorityMedium)
	require.NoError(t, err)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.ResolvedConflicts)
	assert.Empty(t, res.Conflicts)

	// Winner pushed with a version the remote accepts.
	got, err := te.remote.GetByID(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "big green", got.Nickname)
	assert.Greater(t, got.Version, int64(5))

	// Both copies converged and the conflict row is gone.
	localGot, err := te.store.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "big green", localGot.Nickname)

	conflicts, err := te.store.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestRunSyncPass_ConflictSurfacedWithoutAutoResolve(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	remoteCopy := testRecord("eq-1")
	remoteCopy.Version = 5
	remoteCopy.Nickname = "remote name"
	te.remote.Put(remoteCopy)

	local := testRecord("eq-1")
	local.Version = 2
	local.Nickname = "local name"

	_, err := te.engine.SubmitUpdate(ctx, local, model.PriorityMedium)
	require.NoError(t, err)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{NoAutoResolve: true})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusPartial, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Zero(t, res.ResolvedConflicts)
	assert.Equal(t, "eq-1", res.Conflicts[0].EntityID)

	// The conflict persists for later manual resolution.
	conflicts, err := te.store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, res.Conflicts[0].ID, conflicts[0].ID)
}

func TestRunSyncPass_VersionSkewWithoutDifferenceCompletes(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// Same content on both sides, only the version counters disagree.
	remoteCopy := testRecord("eq-1")
	remoteCopy.Version = 7
	te.remote.Put(remoteCopy)

	local := testRecord("eq-1")
	local.Version = 2

	_, err := te.engine.SubmitUpdate(ctx, local, model.PriorityMedium)
	require.NoError(t, err)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.CompletedOperations)
	assert.Zero(t, res.ResolvedConflicts)

	conflicts, err := te.store.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestRunSyncPass_CancellationLeavesOperationsPending(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.engine.SubmitCreate(context.Background(), testRecord("eq-1"), model.PriorityMedium)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCancelled, res.Status)

	counts, err := te.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])
	assert.Zero(t, counts[model.StatusInFlight])
}

func TestRunSyncPass_ProgressSnapshots(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.engine.SubmitCreate(ctx, testRecord("eq-1"), model.PriorityMedium)
	require.NoError(t, err)

	progress := make(chan model.Progress, 64)
	res, err := te.engine.RunSyncPass(ctx, RunOptions{Progress: progress})
	require.NoError(t, err)
	close(progress)

	var phases []model.SyncPhase
	for p := range progress {
		assert.Equal(t, res.SyncID, p.SyncID)
		assert.GreaterOrEqual(t, p.Fraction, 0.0)
		assert.LessOrEqual(t, p.Fraction, 1.0)
		phases = append(phases, p.Phase)
	}

	require.NotEmpty(t, phases)
	assert.Equal(t, model.PhaseQueueing, phases[0])
	assert.Contains(t, phases, model.PhaseFinalizing)
	assert.Equal(t, model.PhaseCompleted, phases[len(phases)-1])
}

func TestRunSyncPass_PriorityOrder(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.engine.SubmitCreate(ctx, testRecord("eq-low"), model.PriorityLow)
	require.NoError(t, err)
	_, err = te.engine.SubmitCreate(ctx, testRecord("eq-high"), model.PriorityHigh)
	require.NoError(t, err)

	batch, err := te.queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "eq-high", batch[0].EntityID)
	assert.Equal(t, "eq-low", batch[1].EntityID)
}

// cancellingRemote cancels the sync pass from inside the first push.
type cancellingRemote struct {
	*repo.MemoryRepository
	cancel context.CancelFunc
}

func (c *cancellingRemote) Create(ctx context.Context, e record.Equipment) error {
	c.cancel()
	return context.Canceled
}

func TestRunSyncPass_CancelDuringPushKeepsRetryBudget(t *testing.T) {
	te := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := &cancellingRemote{MemoryRepository: repo.NewMemoryRepository(), cancel: cancel}

	p := DefaultPolicy()
	p.InterBatchPause = 0
	p.BaseDelay = 0
	p.RateLimitDelay = 0
	eng := New(te.store, te.queue, remote,
		WithPolicy(p),
		WithNowFunc(func() time.Time { return testTime }),
	)

	opID, err := eng.SubmitCreate(context.Background(), testRecord("eq-1"), model.PriorityMedium)
	require.NoError(t, err)

	res, err := eng.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCancelled, res.Status)

	// The push failed only because the pass was cancelled; the operation
	// goes back untouched, with no retry charged.
	op, err := te.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Zero(t, op.RetryCount)
	assert.True(t, op.NotBefore.IsZero())
}

func TestRunSyncPass_BackoffGatePersistsAcrossPasses(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	p := DefaultPolicy()
	p.InterBatchPause = 0
	p.BaseDelay = time.Hour
	now := func() time.Time { return testTime }
	eng := New(te.store, te.queue, te.remote,
		WithPolicy(p),
		WithNowFunc(now),
		WithRetryOptions(
			WithJitterFunc(func(time.Duration) time.Duration { return 0 }),
			WithRetryNowFunc(now),
		),
	)

	opID, err := eng.SubmitCreate(ctx, testRecord("eq-1"), model.PriorityMedium)
	require.NoError(t, err)
	te.remote.Inject("eq-1", repo.Transient("create", "eq-1", repo.ReasonNoConnection, nil), 1)

	res, err := eng.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	// The pass ends instead of sleeping out the backoff, and reports the
	// gated work as unfinished.
	assert.Equal(t, model.SyncStatusPartial, res.Status)
	assert.Equal(t, 1, res.RetriedOperations)
	assert.Zero(t, res.FailedOperations)

	op, err := te.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.True(t, op.NotBefore.Equal(testTime.Add(time.Hour)))
}

func TestRunSyncPass_RejectedDeleteDetectedAsConflict(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// The server rejects the delete because its copy moved on, but the
	// deletion is newer than that edit, so the record stays deleted.
	remoteCopy := testRecord("eq-1")
	remoteCopy.Version = 5
	remoteCopy.UpdatedAt = testTime.Add(-time.Minute)
	te.remote.Put(remoteCopy)

	opID, err := te.engine.SubmitDelete(ctx, "user-1", "eq-1", model.PriorityMedium)
	require.NoError(t, err)
	te.remote.Inject("eq-1", repo.Conflict("delete", "eq-1"), 1)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.ResolvedConflicts)
	assert.Zero(t, res.FailedOperations)
	assert.Zero(t, te.remote.Len())

	op, err := te.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, op.Status)

	conflicts, err := te.store.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestRunSyncPass_RejectedDeleteRestoresNewerRemote(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// The remote edit postdates the deletion; the record is resurrected
	// on both sides.
	remoteCopy := testRecord("eq-1")
	remoteCopy.Version = 5
	remoteCopy.Nickname = "kept alive"
	remoteCopy.UpdatedAt = testTime.Add(time.Minute)
	te.remote.Put(remoteCopy)

	_, err := te.engine.SubmitDelete(ctx, "user-1", "eq-1", model.PriorityMedium)
	require.NoError(t, err)
	te.remote.Inject("eq-1", repo.Conflict("delete", "eq-1"), 1)

	res, err := te.engine.RunSyncPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.ResolvedConflicts)

	restored, err := te.store.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "kept alive", restored.Nickname)
}

func TestRunSyncPass_ConflictBatchReportsResolvingPhase(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	remoteCopy := testRecord("eq-1")
	remoteCopy.Version = 5
	remoteCopy.Nickname = "remote name"
	remoteCopy.UpdatedAt = testTime.Add(-2 * time.Hour)
	te.remote.Put(remoteCopy)

	local := testRecord("eq-1")
	local.Version = 2
	local.Nickname = "local name"
	local.UpdatedAt = testTime.Add(-10 * time.Minute)

	_, err := te.engine.SubmitUpdate(ctx, local, model.PriorityMedium)
	require.NoError(t, err)

	progress := make(chan model.Progress, 64)
	_, err = te.engine.RunSyncPass(ctx, RunOptions{Progress: progress})
	require.NoError(t, err)
	close(progress)

	var phases []model.SyncPhase
	for p := range progress {
		phases = append(phases, p.Phase)
	}
	assert.Contains(t, phases, model.PhaseResolvingConflicts)
	assert.Contains(t, phases, model.PhaseFinalizing)
}

func TestStatus(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.engine.SubmitCreate(ctx, testRecord("eq-1"), model.PriorityMedium)
	require.NoError(t, err)

	report, err := te.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Operations[model.StatusPending])
	assert.Empty(t, report.Conflicts)
}
