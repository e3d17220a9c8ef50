package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/runway/pkg/schema"
)

// LibSQLStore persists the audit event log and scheduled runs using libSQL
// (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/runway.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for the event log.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_path, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.WorkflowPath, sr.CronExpression, nullRaw(sr.Params), sr.Enabled,
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), nullStr(sr.LastRunStatus), timeOrNow(sr.CreatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create scheduled run: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var params, status sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_path, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&sr.ID, &sr.WorkflowPath, &sr.CronExpression, &params, &sr.Enabled, &lastRun, &nextRun, &status, &sr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %s not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get scheduled run: %s", err.Error()).WithCause(err)
	}
	if params.Valid {
		sr.Params = []byte(params.String)
	}
	sr.LastRunStatus = status.String
	if lastRun.Valid {
		sr.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sr.NextRunAt = &nextRun.Time
	}
	return sr, nil
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error) {
	query := `SELECT id, workflow_path, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
	          FROM scheduled_runs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list scheduled runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		sr := &ScheduledRun{}
		var params, status sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sr.ID, &sr.WorkflowPath, &sr.CronExpression, &params, &sr.Enabled,
			&lastRun, &nextRun, &status, &sr.CreatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan scheduled run: %s", err.Error()).WithCause(err)
		}
		if params.Valid {
			sr.Params = []byte(params.String)
		}
		sr.LastRunStatus = status.String
		if lastRun.Valid {
			sr.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sr.NextRunAt = &nextRun.Time
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, upd ScheduledRunUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET
			enabled = COALESCE(?, enabled),
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = COALESCE(?, next_run_at),
			last_run_status = COALESCE(NULLIF(?, ''), last_run_status)
		 WHERE id = ?`,
		nullBool(upd.Enabled), nullTime(upd.LastRunAt), nullTime(upd.NextRunAt), upd.LastRunStatus, id,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update scheduled run: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %s not found", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete scheduled run: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %s not found", id)
	}
	return nil
}

// --- Events (reads; appends go through EventLog) ---

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ascending.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type matching the filter, newest
// first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, run_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE event_type = ?`
	args := []any{eventType}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ?`
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events by type: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan event: %s", err.Error()).WithCause(err)
		}
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- null helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
