package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/runway/internal/artifacts"
	"github.com/rendis/runway/internal/cache"
	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/internal/gate"
	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/rating"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// deps is the wired dependency set shared by the commands. The store is
// opened lazily: read-only commands (status, validate, dry runs) work
// without the database.
type deps struct {
	cfg    Config
	logger *slog.Logger
	layout artifacts.Layout
	files  *cache.FileCache
	runner *engine.Runner
	store  *store.LibSQLStore
	events *store.EventLog
}

// buildDeps wires the runner from configuration. withStore opens the libSQL
// database for the audit log and scheduled runs.
func buildDeps(withStore bool) (*deps, error) {
	cfg := loadConfig()
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.RunsRoot, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"create runs root %s: %s", cfg.RunsRoot, err.Error()).WithCause(err)
	}

	d := &deps{
		cfg:    cfg,
		logger: logger,
		layout: artifacts.Layout{Root: cfg.RunsRoot},
		files:  cache.DefaultFileCache(),
	}

	if withStore {
		st, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		d.store = st
		d.events = store.NewEventLog(st)
	}

	pipeline, err := gate.NewPipeline(d.files, logger)
	if err != nil {
		return nil, err
	}
	runner, err := engine.NewRunner(engine.Options{
		Layout:          d.layout,
		Pipeline:        pipeline,
		RatingGate:      ratingGate(cfg, logger),
		Events:          d.events,
		Logger:          logger,
		SharedArtifacts: cfg.SharedArtifacts,
	})
	if err != nil {
		return nil, err
	}
	d.runner = runner
	return d, nil
}

func (d *deps) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

func openStore(cfg Config) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"open database %s: %s", cfg.DBPath, err.Error()).WithCause(err)
	}
	ctx, cancel := contextWithTimeout(10 * time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"migrate database: %s", err.Error()).WithCause(err)
	}
	return st, nil
}

// ratingGate builds the plan rating gate, or nil when no providers are
// configured.
func ratingGate(cfg Config, logger *slog.Logger) *rating.Gate {
	if len(cfg.RatingProviders) == 0 {
		return nil
	}
	providers := make([]rating.Provider, 0, len(cfg.RatingProviders))
	for _, pc := range cfg.RatingProviders {
		providers = append(providers, &rating.CommandProvider{
			ProviderName: pc.Name,
			Command:      pc.Command,
			Args:         pc.Args,
		})
	}
	gateCfg := rating.DefaultConfig()
	gateCfg.MinimumRequired = cfg.MinimumRating
	gateCfg.BlockingThreshold = cfg.BlockingRating
	if cfg.ProviderTimeout > 0 {
		gateCfg.CallTimeout = time.Duration(cfg.ProviderTimeout) * time.Second
	}
	gateCfg.Complexity = rating.Complexity(cfg.Complexity)
	return rating.NewGate(providers, gateCfg, logger)
}

func newLogger(cfg Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
