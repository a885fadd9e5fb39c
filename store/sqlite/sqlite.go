// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary stays fully
// static and needs no C toolchain to build or run.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sticktask/taskrunner/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY errors
	// on concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements
// here so that existing databases keep working without a migration
// tool — mirrors the teacher's inline migration style; see DESIGN.md
// for why golang-migrate was not adopted for this driver.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id             TEXT    PRIMARY KEY,
			task           TEXT    NOT NULL,
			cwd            TEXT    NOT NULL,
			parent_run_id  TEXT,
			status         TEXT    NOT NULL,
			updated_at     INTEGER NOT NULL,
			waiting_on     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS task_run_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT    NOT NULL,
			task       TEXT    NOT NULL,
			line       TEXT    NOT NULL,
			is_stderr  BOOLEAN NOT NULL,
			timestamp  INTEGER NOT NULL
		)`,

		// Covers: the (cwd, task, status) lookup used to find the current
		// Running run or the latest satisfied dependency.
		`CREATE INDEX IF NOT EXISTS idx_task_runs_cwd_task_status
			ON task_runs(cwd, task, status)`,

		// Covers: listing queued runs blocked on a given dependency.
		`CREATE INDEX IF NOT EXISTS idx_task_runs_cwd_waiting_on
			ON task_runs(cwd, waiting_on)`,

		// Covers: DFS over parent_run_id when collecting descendants.
		`CREATE INDEX IF NOT EXISTS idx_task_runs_parent_run_id
			ON task_runs(parent_run_id)`,

		`CREATE INDEX IF NOT EXISTS idx_task_run_logs_run_id_id
			ON task_run_logs(run_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- runs ----

func (s *DB) InsertRun(ctx context.Context, r *store.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task, cwd, parent_run_id, status, updated_at, waiting_on)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Task, r.Cwd, r.ParentRunID, string(r.Status), r.UpdatedAt, r.WaitingOn)
	return err
}

func (s *DB) FindRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task, cwd, parent_run_id, status, updated_at, waiting_on
		  FROM task_runs WHERE id = ?
	`, id)
	return scanRun(row.Scan)
}

func (s *DB) ListRuns(ctx context.Context, cwd string) ([]*store.Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, task, cwd, parent_run_id, status, updated_at, waiting_on
		  FROM task_runs WHERE cwd = ?
	`, cwd)
}

func (s *DB) ListRunsByStatus(ctx context.Context, cwd, task string, status store.Status) ([]*store.Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, task, cwd, parent_run_id, status, updated_at, waiting_on
		  FROM task_runs
		 WHERE cwd = ? AND task = ? AND status = ?
		 ORDER BY updated_at DESC
	`, cwd, task, string(status))
}

func (s *DB) LatestRun(ctx context.Context, cwd, task string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task, cwd, parent_run_id, status, updated_at, waiting_on
		  FROM task_runs
		 WHERE cwd = ? AND task = ?
		 ORDER BY updated_at DESC
		 LIMIT 1
	`, cwd, task)
	return scanRun(row.Scan)
}

func (s *DB) ListQueuedWaitingOn(ctx context.Context, cwd, task string) ([]*store.Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, task, cwd, parent_run_id, status, updated_at, waiting_on
		  FROM task_runs
		 WHERE cwd = ? AND status = ? AND waiting_on = ?
	`, cwd, string(store.StatusQueued), task)
}

func (s *DB) ListChildren(ctx context.Context, parentRunID string) ([]*store.Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, task, cwd, parent_run_id, status, updated_at, waiting_on
		  FROM task_runs WHERE parent_run_id = ?
	`, parentRunID)
}

func (s *DB) UpdateRun(ctx context.Context, id string, status store.Status, waitingOn *string, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, waiting_on = ?, updated_at = ? WHERE id = ?
	`, string(status), waitingOn, updatedAt, id)
	return err
}

// ---- logs ----

func (s *DB) InsertLog(ctx context.Context, l *store.LogLine) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (run_id, task, line, is_stderr, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, l.RunID, l.Task, l.Line, l.IsStderr, l.Timestamp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) ListLogs(ctx context.Context, runIDs []string) ([]*store.LogLine, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(runIDs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task, line, is_stderr, timestamp
		  FROM task_run_logs
		 WHERE run_id IN (`+placeholders+`)
		 ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*store.LogLine
	for rows.Next() {
		var l store.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Task, &l.Line, &l.IsStderr, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *DB) DeleteLogs(ctx context.Context, runIDs []string) error {
	if len(runIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(runIDs)
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_run_logs WHERE run_id IN (`+placeholders+`)`, args...)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanRun(scan scanFn) (*store.Run, error) {
	var r store.Run
	var status string
	err := scan(&r.ID, &r.Task, &r.Cwd, &r.ParentRunID, &status, &r.UpdatedAt, &r.WaitingOn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = store.Status(status)
	return &r, nil
}

func (s *DB) queryRuns(ctx context.Context, q string, args ...any) ([]*store.Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// inClause builds a "?,?,?" placeholder string and the matching []any
// argument slice for a dynamic IN (...) clause.
func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
