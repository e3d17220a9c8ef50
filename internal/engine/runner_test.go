package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/artifacts"
	"github.com/rendis/runway/internal/gate"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// eventRecorder captures audit events in memory.
type eventRecorder struct {
	events []*store.Event
}

func (e *eventRecorder) AppendEvent(_ context.Context, ev *store.Event) error {
	e.events = append(e.events, ev)
	return nil
}

func newTestRunner(t *testing.T) (*Runner, artifacts.Layout) {
	t.Helper()
	layout := artifacts.Layout{Root: t.TempDir()}
	r, err := NewRunner(Options{
		Layout: layout,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return r, layout
}

// produce simulates the external agent dropping an artifact into the run.
func produce(t *testing.T, layout artifacts.Layout, runID, name, content string) {
	t.Helper()
	dir, err := layout.RunDir(runID)
	require.NoError(t, err)
	path := filepath.Join(artifacts.ArtifactsDir(dir), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func twoStepWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "build",
		Steps: []schema.Step{
			{ID: "1", Outputs: []schema.Output{{Name: "plan.json"}}},
			{ID: "2", Outputs: []schema.Output{{Name: "result.json"}},
				Inputs: []string{"plan.json (from step 1)"}},
		},
	}
}

func TestRunner_CompletesWorkflow(t *testing.T) {
	r, layout := newTestRunner(t)
	def := twoStepWorkflow()

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, run.Status)

	produce(t, layout, "run1", "plan.json", `{"title":"p"}`)
	produce(t, layout, "run1", "result.json", `{"ok":true}`)

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"1", "2"}, run.CompletedSteps)
	assert.NotNil(t, run.CompletedAt)

	// Gate records exist for both steps.
	dir, _ := layout.RunDir("run1")
	for _, stepID := range []string{"1", "2"} {
		rec, err := gate.LoadRecord(dir, stepID)
		require.NoError(t, err)
		assert.True(t, rec.Valid)
	}
}

func TestRunner_SkippedStepAdvancesWithoutArtifact(t *testing.T) {
	r, layout := newTestRunner(t)
	def := &schema.WorkflowDefinition{
		Name: "build",
		Steps: []schema.Step{
			{ID: "1", Outputs: []schema.Output{{Name: "a.json"}}},
			{ID: "2", Condition: "config.deploy_enabled",
				Outputs: []schema.Output{{Name: "deploy.json"}}},
		},
	}

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	run.Metadata["deploy_enabled"] = false

	produce(t, layout, "run1", "a.json", `{}`)
	// deploy.json is never produced; the skipped step must not require it.

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	dir, _ := layout.RunDir("run1")
	rec, err := gate.LoadRecord(dir, "2")
	require.NoError(t, err)
	assert.True(t, rec.Valid)
	assert.True(t, rec.Skipped)
	assert.Equal(t, "Condition not met: config.deploy_enabled", rec.Reason)

	// The declared artifact was never written.
	_, statErr := os.Stat(filepath.Join(artifacts.ArtifactsDir(dir), "deploy.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunner_MissingDependencyFailsRun(t *testing.T) {
	r, layout := newTestRunner(t)
	def := twoStepWorkflow()

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	produce(t, layout, "run1", "plan.json", `{"title":"p"}`)

	// Break step 2 by pointing its input at an undeclared artifact.
	def.Steps[1].Inputs = []string{"ghost.json (from step 1)"}

	err = r.Execute(context.Background(), def, run)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeDependency, rwErr.Code)

	persisted, err := layout.LoadRun("run1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, persisted.Status)
}

func TestRunner_ApprovalFlow(t *testing.T) {
	r, layout := newTestRunner(t)
	def := &schema.WorkflowDefinition{
		Name: "build",
		Steps: []schema.Step{
			{ID: "1", RequiresApproval: true, Outputs: []schema.Output{{Name: "a.json"}}},
			{ID: "2", Outputs: []schema.Output{{Name: "b.json"}}},
		},
	}

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	produce(t, layout, "run1", "a.json", `{}`)
	produce(t, layout, "run1", "b.json", `{}`)

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusAwaitingApproval, run.Status)
	assert.Empty(t, run.CompletedSteps, "blocked step is not complete until approved")

	resumed, err := r.Approve(context.Background(), def, "run1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Equal(t, []string{"1", "2"}, resumed.CompletedSteps)
}

func TestRunner_ResumeFromCheckpoint(t *testing.T) {
	r, layout := newTestRunner(t)
	def := twoStepWorkflow()

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	produce(t, layout, "run1", "plan.json", `{"title":"p"}`)

	// First invocation fails at step 2 (artifact missing).
	err = r.Execute(context.Background(), def, run)
	require.Error(t, err)

	// Un-fail the record the way an operator would before retrying, then
	// produce the missing artifact and resume.
	run.Status = schema.RunStatusPaused
	require.NoError(t, layout.SaveRun(run))
	produce(t, layout, "run1", "result.json", `{"ok":true}`)

	resumed, err := r.Resume(context.Background(), def, "run1", "")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Contains(t, resumed.CompletedSteps, "2")
}

func TestRunner_DryRunIsSideEffectFree(t *testing.T) {
	r, layout := newTestRunner(t)
	def := &schema.WorkflowDefinition{
		Name: "build",
		Steps: []schema.Step{
			{ID: "1", Outputs: []schema.Output{{Name: "plan-{workflow_id}.json"}}},
			{ID: "2", Condition: "config.extra",
				Outputs: []schema.Output{{Name: "extra.json"}}},
		},
	}

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)

	report, err := r.DryRun(def, run)
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.True(t, report[0].WouldExecute)
	assert.Equal(t, "plan-run1.json", report[0].OutputPath)
	assert.False(t, report[1].WouldExecute)

	// No gate records, checkpoints, or status changes.
	dir, _ := layout.RunDir("run1")
	_, err = gate.LoadRecord(dir, "1")
	require.Error(t, err)
	_, err = LatestCheckpoint(dir)
	require.Error(t, err)
	persisted, err := layout.LoadRun("run1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, persisted.Status)
}

func TestRunner_NilEventLogCompletesRun(t *testing.T) {
	layout := artifacts.Layout{Root: t.TempDir()}
	var events *store.EventLog
	r, err := NewRunner(Options{
		Layout: layout,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events: events,
	})
	require.NoError(t, err)

	def := twoStepWorkflow()
	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	produce(t, layout, "run1", "plan.json", `{"title":"p"}`)
	produce(t, layout, "run1", "result.json", `{"ok":true}`)

	// Every status transition must tolerate the absent event log.
	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func decisionWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "ship",
		Phases: []schema.Phase{{
			Name: "release",
			Decisions: []schema.Decision{{
				ID:        "publish-gate",
				Condition: "config.ship",
				IfYes:     []schema.Step{{ID: "yes1", Outputs: []schema.Output{{Name: "publish.json"}}}},
				IfNo:      []schema.Step{{ID: "no1", Outputs: []schema.Output{{Name: "deferral.json"}}}},
			}},
		}},
	}
}

func TestRunner_DecisionFalseExecutesNoBranchOnly(t *testing.T) {
	r, layout := newTestRunner(t)
	def := decisionWorkflow()

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	run.Metadata["ship"] = false
	produce(t, layout, "run1", "deferral.json", `{"deferred":true}`)
	// publish.json is never produced; the if_yes branch must not run.

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	dir, _ := layout.RunDir("run1")
	yes, err := gate.LoadRecord(dir, "yes1")
	require.NoError(t, err)
	assert.True(t, yes.Skipped)
	assert.Equal(t, "Condition not met: config.ship", yes.Reason)

	no, err := gate.LoadRecord(dir, "no1")
	require.NoError(t, err)
	assert.True(t, no.Valid)
	assert.False(t, no.Skipped, "if_no executes when the condition is false")
}

func TestRunner_DecisionTrueExecutesYesBranchOnly(t *testing.T) {
	r, layout := newTestRunner(t)
	def := decisionWorkflow()

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	run.Metadata["ship"] = true
	produce(t, layout, "run1", "publish.json", `{"published":true}`)

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	dir, _ := layout.RunDir("run1")
	yes, err := gate.LoadRecord(dir, "yes1")
	require.NoError(t, err)
	assert.True(t, yes.Valid)
	assert.False(t, yes.Skipped)

	no, err := gate.LoadRecord(dir, "no1")
	require.NoError(t, err)
	assert.True(t, no.Skipped)
	assert.Equal(t, "Condition not met: NOT (config.ship)", no.Reason)
}

func loopWorkflow(maxIter int) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "refine",
		Phases: []schema.Phase{{
			Name: "plan",
			Loops: []schema.Loop{{
				ID:        "polish",
				Condition: "config.keep_polishing",
				MaxIter:   maxIter,
				Body:      []schema.Step{{ID: "p1", Outputs: []schema.Output{{Name: "draft.json"}}}},
			}},
		}},
	}
}

func TestRunner_LoopBodyRepeatsUpToBound(t *testing.T) {
	r, layout := newTestRunner(t)
	rec := &eventRecorder{}
	r.events = rec
	r.fsm = NewRunFSM(rec)

	def := loopWorkflow(3)
	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	run.Metadata["keep_polishing"] = true
	produce(t, layout, "run1", "draft.json", `{"v":1}`)

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"p1"}, run.CompletedSteps, "repeated passes record the step once")

	starts := 0
	for _, ev := range rec.events {
		if ev.Type == schema.EventStepStarted && ev.StepID == "p1" {
			starts++
		}
	}
	assert.Equal(t, 3, starts, "a true condition repeats the body up to the bound")
}

func TestRunner_LoopConditionFalseSkipsBody(t *testing.T) {
	r, layout := newTestRunner(t)
	def := loopWorkflow(3)

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	run.Metadata["keep_polishing"] = false

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	dir, _ := layout.RunDir("run1")
	recGate, err := gate.LoadRecord(dir, "p1")
	require.NoError(t, err)
	assert.True(t, recGate.Skipped)
}

func TestRunner_OutputlessStepStillGetsGateRecord(t *testing.T) {
	r, layout := newTestRunner(t)
	def := &schema.WorkflowDefinition{
		Name: "build",
		Steps: []schema.Step{
			{ID: "1"},
			{ID: "2", Outputs: []schema.Output{{Name: "b.json"}}},
		},
	}

	run, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)
	produce(t, layout, "run1", "b.json", `{}`)

	require.NoError(t, r.Execute(context.Background(), def, run))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	dir, _ := layout.RunDir("run1")
	rec, err := gate.LoadRecord(dir, "1")
	require.NoError(t, err)
	assert.True(t, rec.Valid)
	assert.False(t, rec.Skipped)
	assert.Empty(t, rec.Errors)
}

func TestRunner_PreviewLeavesNoRunState(t *testing.T) {
	r, layout := newTestRunner(t)
	def := twoStepWorkflow()

	run, err := r.Preview(def, "", "", "")
	require.NoError(t, err)
	assert.Contains(t, run.RunID, "run-")

	report, err := r.DryRun(def, run)
	require.NoError(t, err)
	assert.Len(t, report, 2)

	_, err = layout.LoadRun(run.RunID)
	require.Error(t, err, "preview must not persist a run record")
	entries, rerr := os.ReadDir(layout.Root)
	require.NoError(t, rerr)
	assert.Empty(t, entries, "preview must not create run directories")
}

func TestRunner_StartRejectsDuplicateAndBadIDs(t *testing.T) {
	r, _ := newTestRunner(t)
	def := twoStepWorkflow()

	_, err := r.Start(def, "run1", "", "")
	require.NoError(t, err)

	_, err = r.Start(def, "run1", "", "")
	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeConflict, rwErr.Code)

	_, err = r.Start(def, "../evil", "", "")
	require.Error(t, err)
}

func TestRunner_GeneratesRunID(t *testing.T) {
	r, _ := newTestRunner(t)
	run, err := r.Start(twoStepWorkflow(), "", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Contains(t, run.RunID, "run-")
}
