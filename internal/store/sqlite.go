package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/forge/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    domains     TEXT NOT NULL,
    concurrency INTEGER NOT NULL,
    timeout_ms  INTEGER NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    run_id        TEXT NOT NULL,
    domain        TEXT NOT NULL,
    position      INTEGER NOT NULL,
    status        TEXT NOT NULL,
    payload       BLOB,
    failure_kind  TEXT NOT NULL DEFAULT '',
    failure_cause TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL,
    worker_id     TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME NOT NULL,
    PRIMARY KEY (run_id, domain, position)
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    position   INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_log_lines_task ON log_lines (run_id, position, seq)`

const insertResultQuery = `INSERT INTO results (
	run_id, domain, position, status, payload, failure_kind, failure_cause,
	attempts, worker_id, duration_ms, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, domain, position) DO NOTHING`

const selectResultsQuery = `SELECT run_id, domain, position, status, payload, failure_kind, failure_cause,
	attempts, worker_id, duration_ms, started_at, finished_at
FROM results WHERE run_id = ? ORDER BY position ASC`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createResultsTable, createLogLinesTable, createLogLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	domains, err := json.Marshal(r.Domains)
	if err != nil {
		return fmt.Errorf("encode domains: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, domains, concurrency, timeout_ms, status, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		r.ID, string(domains), r.Concurrency, r.TimeoutMS, r.Status, r.Error, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("create run %s: %w", r.ID, ErrConflict)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domains, concurrency, timeout_ms, status, error, created_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, domains, concurrency, timeout_ms, status, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// FinishRun moves a running run to a final status and sets finished_at.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?",
		status, errMsg, time.Now().UTC(), id, model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("finish run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// PutResult inserts a task result. The primary key makes the insert a single
// compare-and-insert; a duplicate key leaves the original row untouched.
func (s *SQLiteStore) PutResult(ctx context.Context, rec *model.Record) error {
	kind, cause := failureColumns(rec.Failure)
	result, err := s.db.ExecContext(ctx, insertResultQuery,
		rec.RunID, rec.Domain, rec.Position, rec.Status, []byte(rec.Payload), kind, cause,
		rec.Attempts, rec.WorkerID, rec.DurationMS, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put result %s: %w", rec.Key, ErrConflict)
	}
	return nil
}

// GetResults returns all records for a run read inside one transaction.
func (s *SQLiteStore) GetResults(ctx context.Context, runID string) ([]*model.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectResultsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return records, nil
}

// InsertLogLine persists a single log line for a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, key model.Key, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (run_id, position, seq, line, created_at) VALUES (?, ?, ?, ?, ?)",
		key.RunID, key.Position, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the log lines for one task ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string, position int) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, position, seq, line, created_at FROM log_lines
		WHERE run_id = ? AND position = ? ORDER BY seq ASC`, runID, position)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Position, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// GetStats returns aggregate statistics over all stored results.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := newStats()
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&stats.Runs); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM results",
	).Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}

	if err := groupCounts(ctx, tx, "SELECT status, COUNT(*) FROM results GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := groupCounts(ctx, tx,
		"SELECT failure_kind, COUNT(*) FROM results WHERE failure_kind != '' GROUP BY failure_kind",
		stats.CountByFailure,
	); err != nil {
		return nil, fmt.Errorf("count by failure: %w", err)
	}
	return stats, nil
}

func groupCounts(ctx context.Context, tx *sql.Tx, query string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var domains string
	if err := row.Scan(&r.ID, &domains, &r.Concurrency, &r.TimeoutMS, &r.Status, &r.Error,
		&r.CreatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(domains), &r.Domains); err != nil {
		return nil, fmt.Errorf("decode domains: %w", err)
	}
	return r, nil
}

func scanRecord(row rowScanner) (*model.Record, error) {
	rec := &model.Record{}
	var payload []byte
	var kind, cause string
	if err := row.Scan(&rec.RunID, &rec.Domain, &rec.Position, &rec.Status, &payload, &kind, &cause,
		&rec.Attempts, &rec.WorkerID, &rec.DurationMS, &rec.StartedAt, &rec.FinishedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		rec.Payload = payload
	}
	if kind != "" {
		rec.Failure = &model.Failure{Kind: kind, Cause: cause}
	}
	return rec, nil
}

func failureColumns(f *model.Failure) (kind, cause string) {
	if f == nil {
		return "", ""
	}
	return f.Kind, f.Cause
}
