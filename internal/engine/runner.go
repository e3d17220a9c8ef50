package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/runway/internal/artifacts"
	"github.com/rendis/runway/internal/cache"
	"github.com/rendis/runway/internal/condition"
	"github.com/rendis/runway/internal/gate"
	"github.com/rendis/runway/internal/rating"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/template"
	"github.com/rendis/runway/internal/workflow"
	"github.com/rendis/runway/pkg/schema"
)

// Runner drives a run through its workflow: per step it resolves the
// locator, interpolates the primary output path, evaluates the condition,
// enforces the plan rating gate for steps beyond the first, validates the
// produced artifact through the gate pipeline, and advances run status.
type Runner struct {
	layout     artifacts.Layout
	pipeline   *gate.Pipeline
	ratingGate *rating.Gate
	fsm        *RunFSM
	events     EventAppender
	logger     *slog.Logger
	clock      func() time.Time

	// sharedArtifacts is the legacy shared plan directory consulted by the
	// rating gate's plan search.
	sharedArtifacts string
}

// Options configures a Runner. RatingGate and Events are optional.
type Options struct {
	Layout          artifacts.Layout
	Pipeline        *gate.Pipeline
	RatingGate      *rating.Gate
	Events          *store.EventLog
	Logger          *slog.Logger
	SharedArtifacts string
	Clock           func() time.Time
}

// NewRunner creates a runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Pipeline == nil {
		p, err := gate.NewPipeline(nil, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Pipeline = p
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// Wrap the concrete event log in the interface only when it is non-nil,
	// so a missing log stays a nil interface and disables emission.
	var appender EventAppender
	if opts.Events != nil {
		appender = opts.Events
	}
	return &Runner{
		layout:          opts.Layout,
		pipeline:        opts.Pipeline,
		ratingGate:      opts.RatingGate,
		fsm:             NewRunFSM(appender),
		events:          appender,
		logger:          opts.Logger,
		clock:           opts.Clock,
		sharedArtifacts: opts.SharedArtifacts,
	}, nil
}

// Preview builds a transient run record without touching disk: no run
// directory, no persisted record. Dry runs plan against it.
func (r *Runner) Preview(def *schema.WorkflowDefinition, runID, storyID, epicID string) (*schema.Run, error) {
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	if err := template.ValidateIdentifier(runID); err != nil {
		return nil, err
	}
	now := r.clock().UTC()
	return &schema.Run{
		RunID:        runID,
		WorkflowName: def.Name,
		Status:       schema.RunStatusPending,
		StoryID:      storyID,
		EpicID:       epicID,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Start creates a new run record in pending state. An empty runID gets a
// generated one.
func (r *Runner) Start(def *schema.WorkflowDefinition, runID, storyID, epicID string) (*schema.Run, error) {
	run, err := r.Preview(def, runID, storyID, epicID)
	if err != nil {
		return nil, err
	}

	if _, err := r.layout.LoadRun(run.RunID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.RunID)
	}

	if _, err := r.layout.InitRunDir(run.RunID); err != nil {
		return nil, err
	}
	if err := r.layout.SaveRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Execute drives the run from its current position to completion, a
// blocking approval, or failure. The run must be pending or in_progress.
func (r *Runner) Execute(ctx context.Context, def *schema.WorkflowDefinition, run *schema.Run) error {
	resolved, err := workflow.Resolve(def)
	if err != nil {
		return err
	}

	startIdx := 0
	if run.CurrentStep != "" {
		loc, ok := resolved.Find(run.CurrentStep)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"run %s is positioned at unknown step %s", run.RunID, run.CurrentStep)
		}
		startIdx = loc.Index
	}

	if run.Status == schema.RunStatusPending {
		if err := r.transition(ctx, run, schema.RunStatusInProgress); err != nil {
			return err
		}
	}
	if run.Status != schema.RunStatusInProgress {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s, not executable", run.RunID, run.Status)
	}

	runDir, err := r.layout.RunDir(run.RunID)
	if err != nil {
		return err
	}
	outputs := cache.DefaultOutputCache(artifacts.OutputCachePath(runDir))
	registry, err := artifacts.OpenRegistry(runDir)
	if err != nil {
		return err
	}

	loopPasses := make(map[string]int)
	for idx := startIdx; idx < resolved.Len(); idx++ {
		loc, _ := resolved.At(idx)
		step := loc.Step

		run.CurrentStep = step.ID
		if err := r.layout.SaveRun(run); err != nil {
			return err
		}

		if err := r.executeStep(ctx, resolved, loc, run, runDir, outputs, registry); err != nil {
			r.fail(ctx, run, step.ID, err)
			return err
		}

		if run.Status == schema.RunStatusAwaitingApproval {
			return nil // blocked on human sign-off
		}

		// At the end of a loop body, re-enter while the loop condition
		// still holds and the iteration bound is not exhausted.
		if loc.Kind == workflow.ContainerLoop && lastInLoop(resolved, idx) {
			loopPasses[loc.Container]++
			if loopPasses[loc.Container] < loopBound(loc) && r.loopContinues(loc, run, registry) {
				idx = loopStart(resolved, idx) - 1
			}
		}
	}

	if err := r.transition(ctx, run, schema.RunStatusCompleted); err != nil {
		return err
	}
	now := r.clock().UTC()
	run.CompletedAt = &now
	return r.layout.SaveRun(run)
}

// executeStep runs one step through the full gate sequence.
func (r *Runner) executeStep(ctx context.Context, resolved *workflow.Resolved, loc *workflow.Locator, run *schema.Run, runDir string, outputs *cache.OutputCache, registry *artifacts.Registry) error {
	step := loc.Step
	logger := r.logger.With(slog.String("run_id", run.RunID), slog.String("step_id", step.ID))
	vals := template.Values{WorkflowID: run.RunID, StoryID: run.StoryID, EpicID: run.EpicID}

	// Plan rating gates every step beyond the first in resolved order.
	if r.ratingGate != nil && loc.Index >= 1 {
		planPath, err := rating.LocatePlan(runDir, r.sharedArtifacts, run.WorkflowName)
		if err != nil {
			return err
		}
		ratingRec, err := r.ratingGate.Enforce(ctx, runDir, run, planPath)
		r.appendEvent(ctx, run.RunID, step.ID, ratingEventType(ratingRec), nil)
		if err != nil {
			return err
		}
	}

	// Condition gate. The container's decision/loop condition guards the
	// step as well as its own.
	evalCtx := r.conditionContext(run, registry)
	for _, expr := range []string{loc.Condition, step.Condition} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if condition.Evaluate(expr, evalCtx) {
			continue
		}
		logger.Info("step skipped by condition", slog.String("condition", expr))
		if _, err := r.pipeline.WriteSkipped(runDir, step, expr, evalCtx.Config); err != nil {
			return err
		}
		r.appendEvent(ctx, run.RunID, step.ID, schema.EventStepSkipped, nil)
		return r.advance(ctx, run, runDir, step)
	}

	r.appendEvent(ctx, run.RunID, step.ID, schema.EventStepStarted, nil)

	// Dependencies must be satisfiable before validation is attempted.
	artifactsDir := artifacts.ArtifactsDir(runDir)
	deps, err := workflow.ValidateDependencies(resolved, step, vals, func(p string) bool {
		_, statErr := os.Stat(filepath.Join(artifactsDir, p))
		return statErr == nil
	})
	if err != nil {
		return err
	}
	for _, w := range deps.Warnings {
		logger.Warn(w)
	}
	if !deps.Valid {
		detail, _ := json.Marshal(deps.Missing)
		return schema.NewErrorf(schema.ErrCodeDependency,
			"unsatisfied inputs for step %s: %s", step.ID, string(detail)).WithStep(step.ID)
	}

	primary, ok := workflow.PrimaryOutput(step)
	if !ok {
		// No declared outputs means nothing to validate, but the per-step
		// gate record must still exist.
		record, perr := r.pipeline.WritePassed(runDir, step, "step declares no outputs")
		if perr != nil {
			return perr
		}
		r.appendEvent(ctx, run.RunID, step.ID, schema.EventGateWritten, record)
		return r.advance(ctx, run, runDir, step)
	}
	res, err := template.Interpolate(primary, vals)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	artifactPath := filepath.Join(artifactsDir, res.Path)

	// A cached output from an earlier invocation with identical inputs
	// short-circuits re-validation when the gate already passed.
	cacheKey := cache.Key(run.RunID, step.ID, step.Inputs)
	if _, hit := outputs.Get(cacheKey); hit {
		if prev, lerr := gate.LoadRecord(runDir, step.ID); lerr == nil && prev.Valid && !prev.Skipped {
			logger.Info("step served from output cache")
			return r.advance(ctx, run, runDir, step)
		}
	}

	if err := registry.Register(res.Path, artifactPath, step.ID); err != nil {
		return err
	}

	record, err := r.pipeline.Validate(ctx, runDir, step, artifactPath)
	r.appendEvent(ctx, run.RunID, step.ID, schema.EventGateWritten, record)
	if err != nil {
		_ = registry.SetStatus(res.Path, artifacts.StatusFail)
		return err
	}
	if !record.Valid {
		_ = registry.SetStatus(res.Path, artifacts.StatusFail)
		return schema.NewErrorf(schema.ErrCodeValidation,
			"gate failed for step %s: %s", step.ID, strings.Join(record.Errors, "; ")).
			WithStep(step.ID).
			WithDetails(map[string]any{"artifact": res.Path, "errors": record.Errors})
	}
	if err := registry.SetStatus(res.Path, artifacts.StatusPass); err != nil {
		return err
	}

	if raw, rerr := os.ReadFile(artifactPath); rerr == nil {
		var doc any
		if json.Unmarshal(raw, &doc) == nil {
			outputs.Put(cacheKey, doc)
		}
	}

	if step.RequiresApproval {
		if err := r.transition(ctx, run, schema.RunStatusAwaitingApproval); err != nil {
			return err
		}
		return r.layout.SaveRun(run)
	}

	return r.advance(ctx, run, runDir, step)
}

// advance records step completion: completed-steps bookkeeping, a
// checkpoint, and the persisted run record.
func (r *Runner) advance(ctx context.Context, run *schema.Run, runDir string, step *schema.Step) error {
	if !slices.Contains(run.CompletedSteps, step.ID) {
		run.CompletedSteps = append(run.CompletedSteps, step.ID)
	}
	run.UpdatedAt = r.clock().UTC()
	if err := r.layout.SaveRun(run); err != nil {
		return err
	}

	cp := &schema.Checkpoint{
		RunID:     run.RunID,
		Step:      step.ID,
		State:     run.Status,
		Memory:    run.Metadata,
		Timestamp: r.clock().UTC(),
	}
	if err := SaveCheckpoint(runDir, cp); err != nil {
		return err
	}
	r.appendEvent(ctx, run.RunID, step.ID, schema.EventCheckpointSaved, nil)
	r.appendEvent(ctx, run.RunID, step.ID, schema.EventStepPassed, nil)
	return nil
}

// Resume loads a run, positions it after its most recent (or chosen)
// checkpoint, and continues execution. Dependencies are re-validated
// exactly as a fresh run would.
func (r *Runner) Resume(ctx context.Context, def *schema.WorkflowDefinition, runID, fromStep string) (*schema.Run, error) {
	run, err := r.layout.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(run.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s and cannot be resumed", runID, run.Status)
	}

	runDir, err := r.layout.RunDir(runID)
	if err != nil {
		return nil, err
	}

	var cp *schema.Checkpoint
	if fromStep != "" {
		cp, err = LoadCheckpoint(runDir, fromStep)
	} else {
		cp, err = LatestCheckpoint(runDir)
	}
	if err != nil {
		return nil, err
	}

	resolved, err := workflow.Resolve(def)
	if err != nil {
		return nil, err
	}
	next, ok := resolved.Next(cp.Step)
	if !ok {
		// Checkpoint is at the terminal step; nothing left to run.
		if err := r.transition(ctx, run, schema.RunStatusCompleted); err != nil {
			return nil, err
		}
		now := r.clock().UTC()
		run.CompletedAt = &now
		return run, r.layout.SaveRun(run)
	}

	run.CurrentStep = next.Step.ID
	if run.Status != schema.RunStatusInProgress {
		if err := r.transition(ctx, run, schema.RunStatusInProgress); err != nil {
			return nil, err
		}
	}
	if err := r.layout.SaveRun(run); err != nil {
		return nil, err
	}
	return run, r.Execute(ctx, def, run)
}

// Approve releases a run blocked on human sign-off and continues it.
func (r *Runner) Approve(ctx context.Context, def *schema.WorkflowDefinition, runID string) (*schema.Run, error) {
	run, err := r.layout.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s, not awaiting approval", runID, run.Status)
	}

	r.appendEvent(ctx, runID, run.CurrentStep, schema.EventApprovalGranted, nil)
	if err := r.transition(ctx, run, schema.RunStatusInProgress); err != nil {
		return nil, err
	}

	// The approved step already passed its gate; advance past it.
	runDir, err := r.layout.RunDir(runID)
	if err != nil {
		return nil, err
	}
	resolved, err := workflow.Resolve(def)
	if err != nil {
		return nil, err
	}
	loc, ok := resolved.Find(run.CurrentStep)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"run %s is positioned at unknown step %s", runID, run.CurrentStep)
	}
	if err := r.advance(ctx, run, runDir, loc.Step); err != nil {
		return nil, err
	}

	next, ok := resolved.Next(loc.Step.ID)
	if !ok {
		if err := r.transition(ctx, run, schema.RunStatusCompleted); err != nil {
			return nil, err
		}
		now := r.clock().UTC()
		run.CompletedAt = &now
		return run, r.layout.SaveRun(run)
	}
	run.CurrentStep = next.Step.ID
	if err := r.layout.SaveRun(run); err != nil {
		return nil, err
	}
	return run, r.Execute(ctx, def, run)
}

// Cancel transitions a run to cancelled.
func (r *Runner) Cancel(ctx context.Context, runID string) (*schema.Run, error) {
	run, err := r.layout.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if err := r.transition(ctx, run, schema.RunStatusCancelled); err != nil {
		return nil, err
	}
	return run, r.layout.SaveRun(run)
}

// DryRunStep is the per-step report of a dry run.
type DryRunStep struct {
	StepID       string                 `json:"step_id"`
	WouldExecute bool                   `json:"would_execute"`
	Condition    string                 `json:"condition,omitempty"`
	OutputPath   string                 `json:"output_path,omitempty"`
	MissingDeps  []workflow.MissingInput `json:"missing_deps,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
}

// DryRun performs every resolution, interpolation, condition evaluation,
// and file-existence check without executing agents or writing any
// artifact, gate, cache, or run state. It is side-effect-free.
func (r *Runner) DryRun(def *schema.WorkflowDefinition, run *schema.Run) ([]DryRunStep, error) {
	resolved, err := workflow.Resolve(def)
	if err != nil {
		return nil, err
	}
	runDir, err := r.layout.RunDir(run.RunID)
	if err != nil {
		return nil, err
	}
	artifactsDir := artifacts.ArtifactsDir(runDir)
	vals := template.Values{WorkflowID: run.RunID, StoryID: run.StoryID, EpicID: run.EpicID}
	evalCtx := r.conditionContext(run, nil)

	var report []DryRunStep
	for idx := 0; idx < resolved.Len(); idx++ {
		loc, _ := resolved.At(idx)
		step := loc.Step
		entry := DryRunStep{StepID: step.ID, WouldExecute: true}

		for _, expr := range []string{loc.Condition, step.Condition} {
			if strings.TrimSpace(expr) == "" {
				continue
			}
			if !condition.Evaluate(expr, evalCtx) {
				entry.WouldExecute = false
				entry.Condition = expr
				break
			}
		}

		if entry.WouldExecute {
			deps, derr := workflow.ValidateDependencies(resolved, step, vals, func(p string) bool {
				_, statErr := os.Stat(filepath.Join(artifactsDir, p))
				return statErr == nil
			})
			if derr != nil {
				return nil, derr
			}
			entry.MissingDeps = deps.Missing
			entry.Warnings = deps.Warnings

			if primary, ok := workflow.PrimaryOutput(step); ok {
				res, ierr := template.Interpolate(primary, vals)
				if ierr != nil {
					return nil, ierr
				}
				entry.OutputPath = res.Path
				entry.Warnings = append(entry.Warnings, res.Warnings...)
			}
		}
		report = append(report, entry)
	}
	return report, nil
}

// conditionContext builds the typed evaluation context for step
// conditions from the run record, the environment, and the artifact
// registry.
func (r *Runner) conditionContext(run *schema.Run, registry *artifacts.Registry) *condition.Context {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	artifactStates := make(map[string]any)
	if registry != nil {
		for _, e := range registry.List() {
			artifactStates[e.Name] = map[string]any{
				"status": string(e.Status),
				"path":   e.Path,
			}
		}
	}

	var providers []string
	if r.ratingGate != nil {
		providers = r.ratingGate.ProviderNames()
	}

	return &condition.Context{
		Config:    run.Metadata,
		Env:       env,
		Artifacts: artifactStates,
		Providers: providers,
		Extra:     run.Metadata,
	}
}

func (r *Runner) transition(ctx context.Context, run *schema.Run, to schema.RunStatus) error {
	if err := r.fsm.Transition(ctx, run.RunID, run.Status, to); err != nil {
		return err
	}
	run.Status = to
	run.UpdatedAt = r.clock().UTC()
	return nil
}

// fail moves the run to failed and persists it; the original error is the
// caller's to return.
func (r *Runner) fail(ctx context.Context, run *schema.Run, stepID string, cause error) {
	if IsTerminal(run.Status) {
		return
	}
	if err := r.transition(ctx, run, schema.RunStatusFailed); err != nil {
		r.logger.Error("transition to failed rejected",
			slog.String("run_id", run.RunID), slog.String("error", err.Error()))
		return
	}
	if err := r.layout.SaveRun(run); err != nil {
		r.logger.Error("persist failed run",
			slog.String("run_id", run.RunID), slog.String("error", err.Error()))
	}
	r.logger.Error("run failed",
		slog.String("run_id", run.RunID),
		slog.String("step_id", stepID),
		slog.String("error", cause.Error()))
}

func (r *Runner) appendEvent(ctx context.Context, runID, stepID, eventType string, payload any) {
	if r.events == nil || eventType == "" {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	event := &store.Event{RunID: runID, StepID: stepID, Type: eventType, Payload: raw}
	if err := r.events.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("append audit event failed",
			slog.String("run_id", runID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}

// loopContinues reports whether a loop's condition still holds after a full
// body pass. An empty condition always continues; the bound alone stops it.
func (r *Runner) loopContinues(loc *workflow.Locator, run *schema.Run, registry *artifacts.Registry) bool {
	if strings.TrimSpace(loc.Condition) == "" {
		return true
	}
	return condition.Evaluate(loc.Condition, r.conditionContext(run, registry))
}

// loopBound is the total number of body passes a loop may make. A
// non-positive bound runs the body once.
func loopBound(loc *workflow.Locator) int {
	if loc.MaxIter > 0 {
		return loc.MaxIter
	}
	return 1
}

// lastInLoop reports whether idx is the final step of its loop body.
func lastInLoop(resolved *workflow.Resolved, idx int) bool {
	loc, _ := resolved.At(idx)
	next, ok := resolved.At(idx + 1)
	return !ok || next.Kind != loc.Kind || next.Container != loc.Container
}

// loopStart returns the index of the first body step of the loop at idx.
func loopStart(resolved *workflow.Resolved, idx int) int {
	loc, _ := resolved.At(idx)
	start := idx
	for start > 0 {
		prev, _ := resolved.At(start - 1)
		if prev.Kind != loc.Kind || prev.Container != loc.Container {
			break
		}
		start--
	}
	return start
}

func ratingEventType(rec *schema.PlanRating) string {
	if rec == nil {
		return schema.EventRatingFailed
	}
	if rec.Passed {
		return schema.EventRatingPassed
	}
	return schema.EventRatingFailed
}
