package schema

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending           RunStatus = "pending"
	RunStatusInProgress        RunStatus = "in_progress"
	RunStatusAwaitingApproval  RunStatus = "awaiting_approval"
	RunStatusPaused            RunStatus = "paused"
	RunStatusHandoffPending    RunStatus = "handoff_pending"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusCancelled         RunStatus = "cancelled"
)

// Run is the persisted record of one end-to-end workflow execution.
// It is created at run start and mutated only by the state machine;
// validation components never write it directly.
type Run struct {
	RunID          string         `json:"run_id"`
	WorkflowName   string         `json:"workflow_name"`
	Status         RunStatus      `json:"status"`
	CurrentStep    string         `json:"current_step,omitempty"`
	CompletedSteps []string       `json:"completed_steps"`
	TaskQueue      []string       `json:"task_queue,omitempty"`
	StoryID        string         `json:"story_id,omitempty"`
	EpicID         string         `json:"epic_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Checkpoint captures run progress after a successful step. Resuming a run
// loads the most recent (or an explicitly chosen) checkpoint and continues
// from the step after it.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	Step      string         `json:"step"`
	State     RunStatus      `json:"state"`
	Memory    map[string]any `json:"memory,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
