// Package postgres records harvest runs and per-task outcomes in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/caseharvest/internal/coordinator"
	"github.com/JakeFAU/caseharvest/internal/scheduler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Run statuses written to the runs table.
const (
	RunRunning              = "running"
	RunCompleted            = "completed"
	RunCompletedWithFailure = "completed_with_failures"
	RunCanceled             = "canceled"
)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	RunsTable       string        `mapstructure:"runs_table" yaml:"runs_table"`
	TasksTable      string        `mapstructure:"tasks_table" yaml:"tasks_table"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger implements coordinator.Ledger.
type Ledger struct {
	pool  execCloser
	runs  string
	tasks string
}

// Open connects to Postgres.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewWithPool(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewWithPool builds a Ledger on an existing pool.
func NewWithPool(pool execCloser, cfg Config) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	runs, tasks := cfg.RunsTable, cfg.TasksTable
	if runs == "" {
		runs = "harvest_runs"
	}
	if tasks == "" {
		tasks = "harvest_tasks"
	}
	for _, name := range []string{runs, tasks} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Ledger{pool: pool, runs: runs, tasks: tasks}, nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger tables if they are missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	planned_tasks INTEGER NOT NULL,
	status TEXT NOT NULL,
	finished_at TIMESTAMPTZ,
	inserted INTEGER,
	skipped INTEGER,
	summary JSONB
)`, l.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT NOT NULL REFERENCES %s (run_id),
	registry TEXT NOT NULL,
	case_type TEXT NOT NULL,
	year INTEGER NOT NULL,
	status TEXT NOT NULL,
	failure TEXT,
	attempts INTEGER NOT NULL,
	worker_id INTEGER NOT NULL,
	pages INTEGER NOT NULL,
	inserted INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	unkeyed INTEGER NOT NULL,
	documents INTEGER NOT NULL,
	error_message TEXT,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, registry, case_type, year)
)`, l.tasks, l.runs),
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts the run row.
func (l *Ledger) StartRun(ctx context.Context, runID string, startedAt time.Time, tasks int) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, started_at, planned_tasks, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO NOTHING`, l.runs)
	if _, err := l.pool.Exec(ctx, query, runID, startedAt, tasks, RunRunning); err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// RecordTask upserts one task outcome. A restarted task overwrites its row.
func (l *Ledger) RecordTask(ctx context.Context, runID string, o scheduler.TaskOutcome) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, registry, case_type, year, status, failure, attempts, worker_id,
	pages, inserted, skipped, unkeyed, documents, error_message, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (run_id, registry, case_type, year) DO UPDATE SET
	status = EXCLUDED.status,
	failure = EXCLUDED.failure,
	attempts = EXCLUDED.attempts,
	worker_id = EXCLUDED.worker_id,
	pages = EXCLUDED.pages,
	inserted = EXCLUDED.inserted,
	skipped = EXCLUDED.skipped,
	unkeyed = EXCLUDED.unkeyed,
	documents = EXCLUDED.documents,
	error_message = EXCLUDED.error_message,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`, l.tasks)

	var errMsg *string
	if o.Err != nil {
		msg := o.Err.Error()
		errMsg = &msg
	}
	args := []any{
		runID,
		string(o.Task.Registry),
		o.Task.CaseType.Value,
		o.Task.Year,
		string(o.Status),
		nullable(string(o.Failure)),
		o.Attempts,
		o.WorkerID,
		o.Stats.Pages,
		o.Stats.Inserted,
		o.Stats.Skipped,
		o.Stats.Unkeyed,
		o.Stats.Documents,
		errMsg,
		nullableTime(o.Started),
		nullableTime(o.Finished),
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record task %s: %w", o.Task, err)
	}
	return nil
}

// FinishRun closes the run row with the summary.
func (l *Ledger) FinishRun(ctx context.Context, s coordinator.Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, finished_at = $2, inserted = $3, skipped = $4, summary = $5
WHERE run_id = $6`, l.runs)
	tag, err := l.pool.Exec(ctx, query, RunStatus(s), s.FinishedAt, s.Inserted, s.Skipped, payload, s.RunID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", s.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: run row not found", s.RunID)
	}
	return nil
}

// RunStatus derives the terminal run status from a summary.
func RunStatus(s coordinator.Summary) string {
	switch {
	case s.TasksCanceled > 0:
		return RunCanceled
	case s.TasksFailed > 0:
		return RunCompletedWithFailure
	default:
		return RunCompleted
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
