package cli

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.NotEmpty(t, cfg.RunsRoot)
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.InDelta(t, 7.0, cfg.MinimumRating, 0.001)
	assert.Equal(t, "standard", cfg.Complexity)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RUNWAY_RUNS_ROOT", "/tmp/runs")
	t.Setenv("RUNWAY_DB_PATH", "/tmp/runway.db")
	t.Setenv("RUNWAY_LOG_LEVEL", "debug")
	t.Setenv("RUNWAY_MIN_RATING", "8.5")
	t.Setenv("RUNWAY_COMPLEXITY", "complex")

	cfg := defaultConfig()
	applyEnv(&cfg)

	assert.Equal(t, "/tmp/runs", cfg.RunsRoot)
	assert.Equal(t, "/tmp/runway.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.InDelta(t, 8.5, cfg.MinimumRating, 0.001)
	assert.Equal(t, "complex", cfg.Complexity)
}

func TestApplyEnvIgnoresMalformedRating(t *testing.T) {
	t.Setenv("RUNWAY_MIN_RATING", "high")
	cfg := defaultConfig()
	applyEnv(&cfg)
	assert.InDelta(t, 7.0, cfg.MinimumRating, 0.001)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestApplyParams(t *testing.T) {
	run := &schema.Run{Metadata: map[string]any{}}
	require.NoError(t, applyParams(run, []string{"deploy_enabled=true", "env=prod", "count=3"}))

	assert.Equal(t, true, run.Metadata["deploy_enabled"])
	assert.Equal(t, "prod", run.Metadata["env"])
	assert.Equal(t, "3", run.Metadata["count"])

	err := applyParams(run, []string{"noequals"})
	require.Error(t, err)
	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeConfig, rwErr.Code)
}

func TestRatingGateNilWithoutProviders(t *testing.T) {
	cfg := defaultConfig()
	assert.Nil(t, ratingGate(cfg, nil))

	cfg.RatingProviders = []ProviderConfig{{Name: "rater-a", Command: "/bin/true"}}
	gate := ratingGate(cfg, nil)
	require.NotNil(t, gate)
	assert.Equal(t, []string{"rater-a"}, gate.ProviderNames())
}
