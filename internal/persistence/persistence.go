// Package persistence is the optional Postgres observer described in
// SPEC_FULL.md §11: it implements observer.Hooks and durably records every
// schedule-lifecycle event and Execution Record, for operators who want
// queryable history beyond the per-job log files and the Scheduler Core's
// in-memory LRU. It is grounded on the teacher's internal/store/pg package:
// the same sql.Open("pgx", dsn)-then-Ping connection idiom from pool.go,
// generalized from database/sql to sqlx.DB so query results can scan
// straight into the store's own structs the way internal/store/pg's
// handwritten scanners do, minus the boilerplate.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/execlog"
	"github.com/chronoflow/chronoflow/internal/executor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the Postgres-backed observer sink.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx driver and applies pending schema
// migrations, mirroring the teacher's pool.go OpenDB (sql.Open + Ping)
// generalized to sqlx and wrapped with golang-migrate's embedded-fs source.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: ping postgres: %w", err)
	}

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("persistence: migration source: %w", err)
	}
	dbDriver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("persistence: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "pgx", dbDriver)
	if err != nil {
		return fmt.Errorf("persistence: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("persistence: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnEvent persists one schedule-lifecycle event row.
func (s *Store) OnEvent(e eventlog.Event) {
	_, err := s.db.Exec(
		`INSERT INTO scheduler_events (occurred_at, event_name, job_id, line) VALUES ($1, $2, $3, $4)`,
		e.Time.UTC(), e.Name, e.JobID, e.Line(),
	)
	if err != nil {
		// The persistence sink is best-effort; a failed insert never
		// propagates back into the dispatch loop (observer.Dispatcher
		// already isolates it on its own goroutine).
		logPersistenceError("insert_event", err)
	}
}

// OnExecutionStarted records that one attempt began.
func (s *Store) OnExecutionStarted(executionID, jobID string, start time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO executions (execution_id, job_id, started_at) VALUES ($1, $2, $3)
		 ON CONFLICT (execution_id) DO NOTHING`,
		executionID, jobID, start.UTC(),
	)
	if err != nil {
		logPersistenceError("insert_execution_start", err)
	}
}

// OnExecutionFinished upserts the completed Execution Record.
func (s *Store) OnExecutionFinished(rec execlog.Record) {
	_, err := s.db.Exec(
		`INSERT INTO executions (execution_id, job_id, attempt, command, started_at, ended_at, status, exit_code, stdout, stderr)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (execution_id) DO UPDATE SET
		   attempt = EXCLUDED.attempt, command = EXCLUDED.command, ended_at = EXCLUDED.ended_at,
		   status = EXCLUDED.status, exit_code = EXCLUDED.exit_code, stdout = EXCLUDED.stdout, stderr = EXCLUDED.stderr`,
		rec.ExecutionID, rec.JobID, rec.Attempt, rec.Command, rec.StartTime.UTC(), rec.EndTime.UTC(),
		rec.Status, rec.ExitCode, rec.Stdout, rec.Stderr,
	)
	if err != nil {
		logPersistenceError("upsert_execution", err)
	}
}

// RecentExecutions queries the last n persisted Execution Records for
// jobID, newest first — the durable counterpart to the Scheduler Core's
// in-memory RecentExecutions LRU (SPEC_FULL.md §12).
func (s *Store) RecentExecutions(ctx context.Context, jobID string, n int) ([]execlog.Record, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT execution_id, job_id, attempt, command, started_at, ended_at, status, exit_code, stdout, stderr
		 FROM executions WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2`, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("persistence: query recent executions: %w", err)
	}
	out := make([]execlog.Record, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out, nil
}

type executionRow struct {
	ExecutionID string    `db:"execution_id"`
	JobID       string    `db:"job_id"`
	Attempt     int       `db:"attempt"`
	Command     string    `db:"command"`
	StartedAt   time.Time `db:"started_at"`
	EndedAt     time.Time `db:"ended_at"`
	Status      string    `db:"status"`
	ExitCode    int       `db:"exit_code"`
	Stdout      string    `db:"stdout"`
	Stderr      string    `db:"stderr"`
}

func (r executionRow) toRecord() execlog.Record {
	return execlog.Record{
		ExecutionID: r.ExecutionID,
		JobID:       r.JobID,
		Attempt:     r.Attempt,
		Command:     r.Command,
		StartTime:   r.StartedAt,
		EndTime:     r.EndedAt,
		Status:      executor.Status(r.Status),
		ExitCode:    r.ExitCode,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
	}
}

func logPersistenceError(where string, err error) {
	slog.Error("persistence: sink write failed", "where", where, "error", err)
}
