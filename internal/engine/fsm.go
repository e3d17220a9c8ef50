package engine

import (
	"context"
	"sync"

	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// EventAppender is satisfied by the store's EventLog; the FSM emits audit
// events on transitions. A nil appender disables event emission (dry runs).
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed run lifecycle transitions.
// Completed, failed, and cancelled are terminal.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:           {schema.RunStatusInProgress, schema.RunStatusCancelled},
	schema.RunStatusInProgress:        {schema.RunStatusAwaitingApproval, schema.RunStatusPaused, schema.RunStatusHandoffPending, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusAwaitingApproval:  {schema.RunStatusInProgress, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusPaused:            {schema.RunStatusInProgress, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusHandoffPending:    {schema.RunStatusInProgress, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted:         {},
	schema.RunStatusFailed:            {},
	schema.RunStatusCancelled:         {},
}

// RunFSM validates run status transitions and emits the corresponding
// audit events.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a run FSM emitting events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state transition. The caller is
// responsible for persisting the new status to the run record.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	if f.appender == nil {
		return nil
	}
	eventType := runEventType(from, to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInProgress:
		if from == schema.RunStatusPending {
			return schema.EventRunStarted
		}
		return schema.EventRunResumed
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusAwaitingApproval:
		return schema.EventApprovalRequested
	default:
		return ""
	}
}

// IsTerminal reports whether a run status accepts no further transitions.
func IsTerminal(s schema.RunStatus) bool {
	return len(ValidRunTransitions[s]) == 0
}
