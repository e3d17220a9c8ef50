package rating

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// Default thresholds for the plan rating gate.
const (
	DefaultMinimumRequired   = 7.0
	DefaultBlockingThreshold = 6.0
	weakDimensionThreshold   = 7.0
	maxImprovementNotes      = 5
	minAdjustedThreshold     = 5.0
	maxAdjustedThreshold     = 9.0
)

// Complexity adjusts the minimum required score per task type.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// AdjustedMinimum shifts the base threshold by task complexity: simple
// tasks tolerate half a point less, complex tasks demand half a point
// more. The result is clamped to [5.0, 9.0].
func AdjustedMinimum(base float64, c Complexity) float64 {
	adjusted := base
	switch c {
	case ComplexitySimple:
		adjusted -= 0.5
	case ComplexityComplex:
		adjusted += 0.5
	}
	if adjusted < minAdjustedThreshold {
		adjusted = minAdjustedThreshold
	}
	if adjusted > maxAdjustedThreshold {
		adjusted = maxAdjustedThreshold
	}
	return adjusted
}

// Config bounds the rating gate.
type Config struct {
	MinimumRequired   float64
	BlockingThreshold float64
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	Complexity        Complexity
}

// DefaultConfig returns the standard gate configuration.
func DefaultConfig() Config {
	return Config{
		MinimumRequired:   DefaultMinimumRequired,
		BlockingThreshold: DefaultBlockingThreshold,
		CallTimeout:       DefaultCallTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Complexity:        ComplexityStandard,
	}
}

// Gate enforces a minimum plan rating before later steps may run.
type Gate struct {
	providers []Provider
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// NewGate creates a plan rating gate over the given providers.
func NewGate(providers []Provider, cfg Config, logger *slog.Logger) *Gate {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MinimumRequired <= 0 {
		cfg.MinimumRequired = DefaultMinimumRequired
	}
	if cfg.BlockingThreshold <= 0 {
		cfg.BlockingThreshold = DefaultBlockingThreshold
	}
	return &Gate{providers: providers, cfg: cfg, logger: logger, clock: time.Now}
}

// WithClock overrides the timestamp source.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// ProviderNames lists the configured providers, for condition contexts.
func (g *Gate) ProviderNames() []string {
	names := make([]string, 0, len(g.providers))
	for _, p := range g.providers {
		names = append(names, p.Name())
	}
	return names
}

// LocatePlan finds the plan artifact for a run. Search order: the run's
// artifacts directory by workflow-qualified name, then unqualified, then
// the legacy shared artifacts directory, then markdown variants of each.
func LocatePlan(runDir, sharedDir, workflowName string) (string, error) {
	var candidates []string
	add := func(dir, base string) {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, base))
		}
	}

	artifactsDir := filepath.Join(runDir, "artifacts")
	qualified := "plan-" + workflowName
	add(artifactsDir, qualified+".json")
	add(artifactsDir, "plan.json")
	add(sharedDir, qualified+".json")
	add(sharedDir, "plan.json")
	add(artifactsDir, qualified+".md")
	add(artifactsDir, "plan.md")
	add(sharedDir, qualified+".md")
	add(sharedDir, "plan.md")

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeDependency,
		"no plan artifact found for workflow %s (searched %d locations under %s)",
		workflowName, len(candidates), runDir)
}

// Enforce checks that the run's plan meets the minimum rating, invoking
// providers only when no sufficient cached rating exists. The resulting
// rating is persisted before the gate returns, pass or fail, so a retried
// run short-circuits without re-invoking providers.
func (g *Gate) Enforce(ctx context.Context, runDir string, run *schema.Run, planPath string) (*schema.PlanRating, error) {
	minimum := AdjustedMinimum(g.cfg.MinimumRequired, g.cfg.Complexity)

	if cached, err := Load(runDir); err == nil {
		if cached.Passed && cached.OverallScore >= minimum {
			if g.logger != nil {
				g.logger.Info("plan rating gate passed from cached rating",
					slog.String("run_id", run.RunID),
					slog.Float64("score", cached.OverallScore))
			}
			return cached, nil
		}
	}

	content, err := os.ReadFile(planPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDependency,
			"read plan artifact %s: %s", planPath, err.Error()).WithCause(err)
	}

	input := Input{
		RunID:    run.RunID,
		PlanID:   planID(planPath),
		PlanPath: planPath,
		Content:  string(content),
	}

	var responses []schema.RatingResponse
	var used, failed []string
	for _, p := range g.providers {
		resp, callErr := invoke(ctx, p, input, g.cfg.CallTimeout, g.cfg.HeartbeatInterval, g.logger)
		if callErr != nil {
			// Timed-out and malformed providers are treated alike: failed,
			// excluded from the aggregation divisor.
			failed = append(failed, p.Name())
			if g.logger != nil {
				g.logger.Warn("rating provider failed",
					slog.String("run_id", run.RunID),
					slog.String("provider", p.Name()),
					slog.String("error", callErr.Error()))
			}
			continue
		}
		responses = append(responses, resp)
		used = append(used, p.Name())
	}

	if len(responses) == 0 {
		return nil, schema.NewError(schema.ErrCodeRating,
			"all rating providers failed; no rating recorded").
			WithDetails(map[string]any{"providers_failed": failed})
	}

	agg := Aggregate(responses)
	passed := agg.OverallScore >= minimum && noBlockedDimension(agg.ComponentScores, g.cfg.BlockingThreshold)

	rating := &schema.PlanRating{
		PlanID:          input.PlanID,
		RunID:           run.RunID,
		OverallScore:    agg.OverallScore,
		ComponentScores: agg.ComponentScores,
		ProvidersUsed:   used,
		ProvidersFailed: failed,
		MinimumRequired: minimum,
		Passed:          passed,
		RatedAt:         g.clock().UTC(),
		RatedBy:         strings.Join(used, ","),
	}
	if !passed {
		rating.Feedback = buildFeedback(agg, minimum)
	}

	if err := Save(runDir, rating); err != nil {
		return rating, err
	}

	if !passed {
		return rating, schema.NewErrorf(schema.ErrCodeRating,
			"plan rating %.1f below required %.1f", agg.OverallScore, minimum).
			WithDetails(map[string]any{
				"overall_score":    agg.OverallScore,
				"minimum_required": minimum,
				"component_scores": agg.ComponentScores,
			})
	}
	return rating, nil
}

// buildFeedback produces the structured guidance attached to a failed
// rating: the numeric gap, the weakest dimensions, and up to five of the
// providers' improvement notes.
func buildFeedback(agg Aggregated, minimum float64) *schema.RatingFeedback {
	fb := &schema.RatingFeedback{
		Gap:            round1(minimum - agg.OverallScore),
		WeakDimensions: weakDimensions(agg.ComponentScores, weakDimensionThreshold),
	}
	notes := agg.Notes
	if len(notes) > maxImprovementNotes {
		notes = notes[:maxImprovementNotes]
	}
	fb.TopImprovements = notes
	return fb
}

func noBlockedDimension(components map[string]float64, blocking float64) bool {
	for _, score := range components {
		if score < blocking {
			return false
		}
	}
	return true
}

func planID(planPath string) string {
	base := filepath.Base(planPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RatingPath returns the persisted rating location within a run directory.
func RatingPath(runDir string) string {
	return filepath.Join(runDir, "ratings", "plan.json")
}

// Save persists a rating atomically.
func Save(runDir string, rating *schema.PlanRating) error {
	path := RatingPath(runDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create ratings dir: %s", err.Error()).WithCause(err)
	}
	data, err := json.MarshalIndent(rating, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode rating: %s", err.Error()).WithCause(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write rating: %s", err.Error()).WithCause(err)
	}
	return os.Rename(tmp, path)
}

// Load reads the persisted rating for a run.
func Load(runDir string) (*schema.PlanRating, error) {
	raw, err := os.ReadFile(RatingPath(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewError(schema.ErrCodeNotFound, "no rating recorded for run")
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read rating: %s", err.Error()).WithCause(err)
	}
	var rating schema.PlanRating
	if err := json.Unmarshal(raw, &rating); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt rating record: %s", err.Error()).WithCause(err)
	}
	return &rating, nil
}
