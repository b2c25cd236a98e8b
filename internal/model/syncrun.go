package model

// SyncPhase is the current stage of one sync pass.
type SyncPhase string

const (
	PhaseQueueing           SyncPhase = "queueing"
	PhaseProcessing         SyncPhase = "processing"
	PhaseResolvingConflicts SyncPhase = "resolving_conflicts"
	PhaseFinalizing         SyncPhase = "finalizing"
	PhaseCompleted          SyncPhase = "completed"
	PhaseFailed             SyncPhase = "failed"
)

// Progress is an immutable snapshot of a running sync pass.
//
// Snapshots are emitted on a channel; consumers never share mutable state
// with the executor. Exists only for the duration of one pass.
type Progress struct {
	SyncID         string    `json:"sync_id"`
	Phase          SyncPhase `json:"phase"`
	Fraction       float64   `json:"fraction"` // 0..1
	ProcessedCount int       `json:"processed_count"`
	ConflictCount  int       `json:"conflict_count"`
}

// SyncStatus summarizes how a sync pass ended.
type SyncStatus string

const (
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusPartial   SyncStatus = "partial"   // some operations failed or await retry
	SyncStatusCancelled SyncStatus = "cancelled" // pass cancelled mid-drain
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncResult is returned from a full sync pass.
//
// Conflicts is only populated when the caller opted out of automatic
// resolution; otherwise conflicts are resolved in-pass and counted in
// ResolvedConflicts.
type SyncResult struct {
	SyncID              string               `json:"sync_id"`
	Status              SyncStatus           `json:"status"`
	ProcessedOperations int                  `json:"processed_operations"`
	CompletedOperations int                  `json:"completed_operations"`
	FailedOperations    int                  `json:"failed_operations"`
	RetriedOperations   int                  `json:"retried_operations"`
	ResolvedConflicts   int                  `json:"resolved_conflicts"`
	Conflicts           []ConflictDescriptor `json:"conflicts,omitempty"`
}
