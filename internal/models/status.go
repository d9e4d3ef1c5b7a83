package models

import "time"

// OrchestratorState is the coarse state of the sync orchestrator.
type OrchestratorState string

const (
	StateIdle              OrchestratorState = "idle"
	StateDraining          OrchestratorState = "draining"
	StateIdleWithConflicts OrchestratorState = "idle_with_conflicts"
)

// SyncStatus is derived on demand from the cache, queue, conflict records and
// connectivity; it is never persisted.
type SyncStatus struct {
	IsOnline              bool              `json:"is_online"`
	LastSyncTime          *time.Time        `json:"last_sync_time,omitempty"`
	PendingOperationCount int               `json:"pending_operation_count"`
	SyncInProgress        bool              `json:"sync_in_progress"`
	OfflineStartTime      *time.Time        `json:"offline_start_time,omitempty"`
	CacheSizeBytes        int64             `json:"cache_size_bytes"`
	ConflictCount         int               `json:"conflict_count"`
	DeadLetterCount       int               `json:"dead_letter_count"`
	State                 OrchestratorState `json:"state"`
	CanOperateOffline     bool              `json:"can_operate_offline"`
	OfflineTimeRemaining  *time.Duration    `json:"offline_time_remaining,omitempty"`
}

// SyncResult summarizes one drain cycle.
type SyncResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Pushed       int           `json:"pushed"`
	Pulled       int           `json:"pulled"`
	Conflicts    int           `json:"conflicts"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"dead_lettered"`
	Discarded    int           `json:"discarded"`
	Interrupted  bool          `json:"interrupted"`
	Error        string        `json:"error,omitempty"`
}
