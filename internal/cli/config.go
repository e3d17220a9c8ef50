package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// ProviderConfig describes one external rating provider executable.
type ProviderConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Config holds all runway configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	RunsRoot        string           `json:"runs_root"`
	SharedArtifacts string           `json:"shared_artifacts"`
	DBPath          string           `json:"db_path"`
	LogLevel        string           `json:"log_level"`
	LogFormat       string           `json:"log_format"`
	MinimumRating   float64          `json:"minimum_rating"`
	BlockingRating  float64          `json:"blocking_rating"`
	ProviderTimeout int              `json:"provider_timeout_secs"`
	Complexity      string           `json:"complexity"`
	RatingProviders []ProviderConfig `json:"rating_providers,omitempty"`
}

func defaultConfig() Config {
	return Config{
		RunsRoot:      filepath.Join(runwayDir(), "runs"),
		DBPath:        filepath.Join(runwayDir(), "runway.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		MinimumRating:   7.0,
		BlockingRating:  6.0,
		ProviderTimeout: 60,
		Complexity:      "standard",
	}
}

func runwayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runway"
	}
	return filepath.Join(home, ".runway")
}

func settingsPath() string {
	return filepath.Join(runwayDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RUNWAY_RUNS_ROOT"); v != "" {
		cfg.RunsRoot = v
	}
	if v := os.Getenv("RUNWAY_SHARED_ARTIFACTS"); v != "" {
		cfg.SharedArtifacts = v
	}
	if v := os.Getenv("RUNWAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNWAY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RUNWAY_MIN_RATING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinimumRating = f
		}
	}
	if v := os.Getenv("RUNWAY_BLOCKING_RATING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BlockingRating = f
		}
	}
	if v := os.Getenv("RUNWAY_PROVIDER_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProviderTimeout = n
		}
	}
	if v := os.Getenv("RUNWAY_COMPLEXITY"); v != "" {
		cfg.Complexity = v
	}
}
