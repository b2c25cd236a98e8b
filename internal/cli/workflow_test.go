package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/model"
	"fieldsync/internal/record"
	"fieldsync/internal/store"
)

// runCLI executes one command invocation against a fresh root command and
// returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, raw string) map[string]any {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	require.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data
}

func TestCLI_EnqueueSyncStatusWorkflow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fieldsync.db")

	out, err := runCLI(t, "enqueue", "create", "--db", db, "--format", "json",
		"--user", "farmer-1", "--brand", "John Deere", "--model", "X9 1100",
		"--nickname", "big green", "--priority", "high")
	require.NoError(t, err)
	created := decodeData(t, out)
	assert.NotEmpty(t, created["operation_id"])
	entityID, _ := created["entity_id"].(string)
	require.NotEmpty(t, entityID)

	out, err = runCLI(t, "status", "--db", db, "--format", "json")
	require.NoError(t, err)
	status := decodeData(t, out)
	ops, ok := status["operations"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, ops[string(model.StatusPending)])

	out, err = runCLI(t, "sync", "--db", db, "--format", "json")
	require.NoError(t, err)
	result := decodeData(t, out)
	assert.Equal(t, string(model.SyncStatusCompleted), result["status"])
	assert.EqualValues(t, 1, result["completed_operations"])

	out, err = runCLI(t, "status", "--db", db, "--format", "json")
	require.NoError(t, err)
	status = decodeData(t, out)
	ops, ok = status["operations"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, ops[string(model.StatusCompleted)])

	// Deletes are idempotent against the empty in-memory remote.
	out, err = runCLI(t, "enqueue", "delete", entityID, "--db", db, "--format", "json",
		"--user", "farmer-1")
	require.NoError(t, err)
	_, err = runCLI(t, "sync", "--db", db, "--format", "json")
	require.NoError(t, err)
}

func TestCLI_EnqueueThrottledByPolicy(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fieldsync.db")
	policy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("enqueue_min_interval: 1h\n"), 0o644))

	out, err := runCLI(t, "enqueue", "create", "--db", db, "--format", "json",
		"--policy", policy,
		"--user", "farmer-1", "--brand", "John Deere", "--model", "X9 1100")
	require.NoError(t, err)
	created := decodeData(t, out)
	entityID, _ := created["entity_id"].(string)
	require.NotEmpty(t, entityID)

	// A second mutation for the same entity inside the interval is
	// rejected at the enqueue boundary.
	_, err = runCLI(t, "enqueue", "update", "--id", entityID, "--db", db, "--format", "json",
		"--policy", policy,
		"--user", "farmer-1", "--nickname", "too soon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")

	// Without the policy file the same mutation goes through.
	_, err = runCLI(t, "enqueue", "update", "--id", entityID, "--db", db, "--format", "json",
		"--user", "farmer-1", "--nickname", "fine now")
	require.NoError(t, err)
}

func TestCLI_ConflictResolveWithWinnerFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fieldsync.db")

	// Surface a conflict by seeding a queued update whose entity already
	// carries an open conflict row, then resolve it with a hand-edited
	// record from a file.
	s, err := store.Open(db)
	require.NoError(t, err)

	local := record.Equipment{
		ID: "eq-1", UserID: "farmer-1", Brand: "John Deere", Model: "X9 1100",
		Nickname: "local name", Version: 2, UpdatedAt: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	remote := local
	remote.Nickname = "remote name"
	remote.Version = 5

	localBody, err := record.Marshal(local)
	require.NoError(t, err)
	remoteBody, err := record.Marshal(remote)
	require.NoError(t, err)
	require.NoError(t, s.InsertConflict(context.Background(), model.ConflictDescriptor{
		ID: "cfl-op-1", OperationID: "op-1", EntityID: "eq-1", Collection: "equipment",
		Type: model.ConflictWholeRecord, LocalPayload: localBody, RemotePayload: remoteBody,
		LocalTimestamp: local.UpdatedAt, RemoteTimestamp: local.UpdatedAt,
		LocalConfidence: 0.6, RemoteConfidence: 0.6, DetectedAt: local.UpdatedAt,
	}))
	require.NoError(t, s.Close())

	edited := local
	edited.Nickname = "hand merged"
	editedBody, err := record.Marshal(edited)
	require.NoError(t, err)
	winnerPath := filepath.Join(dir, "winner.json")
	require.NoError(t, os.WriteFile(winnerPath, editedBody, 0o644))

	out, err := runCLI(t, "conflicts", "resolve", "cfl-op-1", "--db", db, "--format", "json",
		"--strategy", "local_wins", "--winner", winnerPath)
	require.NoError(t, err)
	resolved := decodeData(t, out)
	assert.Equal(t, "local_wins", resolved["strategy"])

	s, err = store.Open(db)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetEquipment(context.Background(), "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "hand merged", got.Nickname)

	conflicts, err := s.ListConflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCLI_SeedAndNormalize(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fieldsync.db")
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
models:
  - id: john_deere/x9_1100
    brand: John Deere
    model: X9 1100
    aliases: ["JD X9"]
  - id: kubota/m7_172
    brand: Kubota
    model: M7-172
variants:
  "JD X9-1100": john_deere/x9_1100
`), 0o644))

	out, err := runCLI(t, "seed", seedPath, "--db", db, "--format", "json")
	require.NoError(t, err)
	seeded := decodeData(t, out)
	assert.EqualValues(t, 2, seeded["models"])

	out, err = runCLI(t, "normalize", "JD", "X9-1100", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	matches, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, matches, 1)
	first, _ := matches[0].(map[string]any)
	assert.Equal(t, "john_deere/x9_1100", first["canonical_id"])
	assert.InDelta(t, 0.98, first["confidence"], 0.001)

	// An unknown name exits with a domain failure and NO_MATCH envelope.
	out, err = runCLI(t, "normalize", "submarine", "--db", db, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NO_MATCH", resp.Error.Code)

	// Confirming a fuzzy suggestion makes it trusted next time.
	_, err = runCLI(t, "confirm", "green deere x9", "john_deere/x9_1100", "--db", db)
	require.NoError(t, err)
	out, err = runCLI(t, "normalize", "green", "deere", "x9", "--db", db, "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	matches, ok = resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, matches, 1)
	first, _ = matches[0].(map[string]any)
	assert.Equal(t, false, first["requires_confirmation"])
}

func TestPrintSyncResult_Golden(t *testing.T) {
	var buf bytes.Buffer
	out := &OutputFormatter{Format: "text", Writer: &buf}

	printSyncResult(out, model.SyncResult{
		SyncID:              "0197a1c2-0000-7000-8000-000000000001",
		Status:              model.SyncStatusPartial,
		ProcessedOperations: 5,
		CompletedOperations: 3,
		FailedOperations:    1,
		RetriedOperations:   2,
		ResolvedConflicts:   1,
		Conflicts: []model.ConflictDescriptor{{
			ID:         "cfl-op-9",
			EntityID:   "eq-7",
			Type:       model.ConflictWholeRecord,
			DetectedAt: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		}},
	}, true)

	g := goldie.New(t)
	g.Assert(t, "sync_result", buf.Bytes())
}
