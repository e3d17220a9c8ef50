package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/runway/internal/rating"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/workflow"
	"github.com/rendis/runway/pkg/schema"
)

// handleRun starts a new run and drives it. With dry_run the tool reports
// the step plan without creating or mutating any run state.
func (s *RunwayServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowPath, err := req.RequireString("workflow_path")
	if err != nil {
		return mcp.NewToolResultError("workflow_path is required"), nil
	}
	runID := req.GetString("run_id", "")
	storyID := req.GetString("story_id", "")
	epicID := req.GetString("epic_id", "")
	dryRun := req.GetBool("dry_run", false)
	params := mcp.ParseStringMap(req, "params", nil)

	def, loadErr := workflow.Load(workflowPath, s.logger)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load workflow: %v", loadErr)), nil
	}

	if dryRun {
		run, prevErr := s.runner.Preview(def, runID, storyID, epicID)
		if prevErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dry run failed: %v", prevErr)), nil
		}
		for k, v := range params {
			run.Metadata[k] = v
		}
		report, drErr := s.runner.DryRun(def, run)
		if drErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dry run failed: %v", drErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id":  run.RunID,
			"dry_run": true,
			"steps":   report,
		})
	}

	run, startErr := s.runner.Start(def, runID, storyID, epicID)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start run: %v", startErr)), nil
	}
	if len(params) > 0 {
		for k, v := range params {
			run.Metadata[k] = v
		}
		if saveErr := s.layout.SaveRun(run); saveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("persist run metadata: %v", saveErr)), nil
		}
	}

	execErr := s.runner.Execute(ctx, def, run)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s failed: %v", run.RunID, execErr)), nil
	}
	return marshalResult(runSummary(run))
}

// handleStatus returns the persisted run record plus its rating, if any.
func (s *RunwayServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, loadErr := s.layout.LoadRun(runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", loadErr)), nil
	}

	result := map[string]any{"run": run}
	if runDir, dirErr := s.layout.RunDir(runID); dirErr == nil {
		if rec, ratErr := rating.Load(runDir); ratErr == nil {
			result["rating"] = rec
		}
	}
	return marshalResult(result)
}

// handleResume continues an interrupted run from a checkpoint.
func (s *RunwayServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowPath, err := req.RequireString("workflow_path")
	if err != nil {
		return mcp.NewToolResultError("workflow_path is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	fromStep := req.GetString("from_step", "")

	def, loadErr := workflow.Load(workflowPath, s.logger)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load workflow: %v", loadErr)), nil
	}

	run, resumeErr := s.runner.Resume(ctx, def, runID, fromStep)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(runSummary(run))
}

// handleApprove releases a run blocked on sign-off.
func (s *RunwayServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowPath, err := req.RequireString("workflow_path")
	if err != nil {
		return mcp.NewToolResultError("workflow_path is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	def, loadErr := workflow.Load(workflowPath, s.logger)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load workflow: %v", loadErr)), nil
	}

	run, appErr := s.runner.Approve(ctx, def, runID)
	if appErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approve failed: %v", appErr)), nil
	}
	return marshalResult(runSummary(run))
}

// handleRating reads the persisted plan rating of a run.
func (s *RunwayServer) handleRating(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	runDir, dirErr := s.layout.RunDir(runID)
	if dirErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rating query failed: %v", dirErr)), nil
	}
	rec, loadErr := rating.Load(runDir)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rating query failed: %v", loadErr)), nil
	}
	return marshalResult(rec)
}

// handleEvents queries the audit log by run or event type.
func (s *RunwayServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("audit event log is not configured"), nil
	}

	runID := req.GetString("run_id", "")
	eventType := req.GetString("event_type", "")
	filter := mcp.ParseStringMap(req, "filter", nil)

	if eventType != "" {
		ef := store.EventFilter{
			RunID: runID,
			Limit: extractInt(filter, "limit", 100),
		}
		if stepID, ok := filter["step_id"].(string); ok {
			ef.StepID = stepID
		}
		if since, ok := filter["since"].(string); ok && since != "" {
			if t, parseErr := time.Parse(time.RFC3339, since); parseErr == nil {
				ef.Since = &t
			}
		}
		events, qErr := s.events.GetEventsByType(ctx, eventType, ef)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' or 'event_type'"), nil
	}
	events, qErr := s.events.GetEvents(ctx, runID, 0)
	if qErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", qErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Helpers ---

func runSummary(run *schema.Run) map[string]any {
	return map[string]any{
		"run_id":          run.RunID,
		"workflow":        run.WorkflowName,
		"status":          run.Status,
		"current_step":    run.CurrentStep,
		"completed_steps": run.CompletedSteps,
	}
}

func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	default:
		return defaultVal
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
