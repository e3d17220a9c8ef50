package schema

// Event type constants for the audit event log. Events are supplementary:
// run progress truth lives in the filesystem records, the log exists so
// failures stay auditable after the triggering invocation exits.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"

	EventStepStarted = "step_started"
	EventStepPassed  = "step_passed"
	EventStepFailed  = "step_failed"
	EventStepSkipped = "step_skipped"

	EventGateWritten  = "gate_written"
	EventGateRetried  = "gate_retried"
	EventRatingPassed = "rating_passed"
	EventRatingFailed = "rating_failed"

	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventCheckpointSaved   = "checkpoint_saved"
)
