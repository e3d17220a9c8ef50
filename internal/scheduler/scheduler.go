// Package scheduler polls the store for due scheduled runs and triggers
// them. Scheduling state lives entirely in the database so a restart picks
// up where the previous process left off.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/runway/internal/store"
)

// tickInterval is how often due scheduled runs are checked.
const tickInterval = 60 * time.Second

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*store.ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, upd store.ScheduledRunUpdate) error
}

// WorkflowRunner launches a workflow run from a scheduled trigger.
// Satisfied by the CLI's run orchestration (avoids an import cycle with
// the engine).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowPath string, params map[string]any) error
}

// Sweeper is any cache whose expired entries should be dropped each tick.
type Sweeper interface {
	SweepExpired() int
}

// Scheduler drives cron-triggered workflow runs.
type Scheduler struct {
	store    Store
	runner   WorkflowRunner
	sweepers []Sweeper
	parser   cron.Parser
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled-run IDs currently executing (dedup)
}

// New creates a Scheduler. Sweepers are optional caches pruned on each tick.
func New(s Store, runner WorkflowRunner, logger *slog.Logger, sweepers ...Sweeper) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		sweepers: sweepers,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled scheduled runs and triggers those that are due,
// then sweeps expired cache entries. Exported so the CLI can force a pass.
func (s *Scheduler) Tick(ctx context.Context) {
	scheduled, err := s.store.ListScheduledRuns(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sr := range scheduled {
		if sr.NextRunAt == nil || !sr.NextRunAt.After(now) {
			if !s.tryAcquire(sr.ID) {
				continue // still running from an earlier tick
			}
			if err := s.trigger(ctx, sr, now); err != nil {
				s.logger.Error("failed to trigger scheduled run",
					slog.String("scheduled_run_id", sr.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sr.ID)
		}
	}

	for _, sw := range s.sweepers {
		if n := sw.SweepExpired(); n > 0 {
			s.logger.Debug("swept expired cache entries", slog.Int("count", n))
		}
	}
}

// trigger runs one scheduled workflow and updates its timestamps.
func (s *Scheduler) trigger(ctx context.Context, sr *store.ScheduledRun, now time.Time) error {
	s.logger.Info("triggering scheduled run",
		slog.String("scheduled_run_id", sr.ID),
		slog.String("workflow", sr.WorkflowPath),
	)

	var params map[string]any
	if len(sr.Params) > 0 {
		if err := json.Unmarshal(sr.Params, &params); err != nil {
			s.logger.Error("scheduled run has malformed params",
				slog.String("scheduled_run_id", sr.ID),
				slog.String("error", err.Error()),
			)
			return s.record(ctx, sr, now, "error")
		}
	}

	err := s.runner.RunWorkflow(ctx, sr.WorkflowPath, params)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed",
			slog.String("scheduled_run_id", sr.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.record(ctx, sr, now, status)
}

func (s *Scheduler) record(ctx context.Context, sr *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.NextRun(sr.CronExpression, now)
	if err != nil {
		return fmt.Errorf("compute next run for %q: %w", sr.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, sr.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the scheduled run as in-flight if it is not already.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next fire time of a standard five-field cron
// expression after the given instant.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
