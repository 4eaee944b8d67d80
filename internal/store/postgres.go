package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/forge/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS forge_runs (
    id          TEXT PRIMARY KEY,
    domains     JSONB NOT NULL,
    concurrency INTEGER NOT NULL,
    timeout_ms  INTEGER NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS forge_results (
    run_id        TEXT NOT NULL,
    domain        TEXT NOT NULL,
    position      INTEGER NOT NULL,
    status        TEXT NOT NULL,
    payload       JSONB,
    failure_kind  TEXT NOT NULL DEFAULT '',
    failure_cause TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL,
    worker_id     TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL,
    started_at    TIMESTAMPTZ,
    finished_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, domain, position)
);
CREATE TABLE IF NOT EXISTS forge_log_lines (
    id         BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL,
    position   INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS forge_log_lines_task_idx ON forge_log_lines (run_id, position, seq);`

const pgInsertRunQuery = `INSERT INTO forge_runs (
	id, domains, concurrency, timeout_ms, status, error, created_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
RETURNING id`

const pgInsertResultQuery = `INSERT INTO forge_results (
	run_id, domain, position, status, payload, failure_kind, failure_cause,
	attempts, worker_id, duration_ms, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (run_id, domain, position) DO NOTHING
RETURNING run_id`

const pgSelectResultsQuery = `SELECT run_id, domain, position, status, payload, failure_kind, failure_cause,
	attempts, worker_id, duration_ms, started_at, finished_at
FROM forge_results WHERE run_id = $1 ORDER BY position ASC`

const pgSelectRunColumns = `SELECT id, domains, concurrency, timeout_ms, status, error, created_at, finished_at FROM forge_runs`

const pgFinishRunQuery = `UPDATE forge_runs SET status = $1, error = $2, finished_at = $3
WHERE id = $4 AND status = $5`

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool. Tables are
// prefixed with forge_ so the schema can share a database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateRun inserts a new run record.
func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	domains, err := json.Marshal(r.Domains)
	if err != nil {
		return fmt.Errorf("encode domains: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx, pgInsertRunQuery,
		r.ID, domains, r.Concurrency, r.TimeoutMS, r.Status, r.Error, r.CreatedAt, r.FinishedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("create run %s: %w", r.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanPGRun(s.pool.QueryRow(ctx, pgSelectRunColumns+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first along with the total count.
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	var runs []*model.Run
	var total int
	err := s.snapshot(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM forge_runs").Scan(&total); err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		rows, err := tx.Query(ctx, pgSelectRunColumns+" ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanPGRun(rows)
			if err != nil {
				return fmt.Errorf("scan run: %w", err)
			}
			runs = append(runs, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// FinishRun moves a running run to a final status.
func (s *PostgresStore) FinishRun(ctx context.Context, id, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, pgFinishRunQuery, status, errMsg, time.Now().UTC(), id, model.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("finish run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// PutResult inserts a task result once. RETURNING yields no row when the key
// already exists, which maps to ErrConflict.
func (s *PostgresStore) PutResult(ctx context.Context, rec *model.Record) error {
	kind, cause := failureColumns(rec.Failure)
	var payload []byte
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}
	var runID string
	err := s.pool.QueryRow(ctx, pgInsertResultQuery,
		rec.RunID, rec.Domain, rec.Position, rec.Status, payload, kind, cause,
		rec.Attempts, rec.WorkerID, rec.DurationMS, rec.StartedAt, rec.FinishedAt,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("put result %s: %w", rec.Key, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResults returns all records for a run from a single snapshot.
func (s *PostgresStore) GetResults(ctx context.Context, runID string) ([]*model.Record, error) {
	var records []*model.Record
	err := s.snapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, pgSelectResultsQuery, runID)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return fmt.Errorf("scan result: %w", err)
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// InsertLogLine persists a single log line for a task.
func (s *PostgresStore) InsertLogLine(ctx context.Context, key model.Key, seq int, line string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO forge_log_lines (run_id, position, seq, line, created_at) VALUES ($1, $2, $3, $4, $5)",
		key.RunID, key.Position, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the log lines for one task ordered by seq.
func (s *PostgresStore) GetLogLines(ctx context.Context, runID string, position int) ([]model.LogLine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, position, seq, line, created_at FROM forge_log_lines
		WHERE run_id = $1 AND position = $2 ORDER BY seq ASC`, runID, position)
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
func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := newStats()
	err := s.snapshot(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM forge_runs").Scan(&stats.Runs); err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0)::float8 FROM forge_results",
		).Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
			return fmt.Errorf("count results: %w", err)
		}
		if err := pgGroupCounts(ctx, tx, "SELECT status, COUNT(*) FROM forge_results GROUP BY status", stats.CountByStatus); err != nil {
			return fmt.Errorf("count by status: %w", err)
		}
		if err := pgGroupCounts(ctx, tx,
			"SELECT failure_kind, COUNT(*) FROM forge_results WHERE failure_kind <> '' GROUP BY failure_kind",
			stats.CountByFailure,
		); err != nil {
			return fmt.Errorf("count by failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// snapshot runs fn inside a read-only REPEATABLE READ transaction.
func (s *PostgresStore) snapshot(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func pgGroupCounts(ctx context.Context, tx pgx.Tx, query string, into map[string]int) error {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = int(n)
	}
	return rows.Err()
}

func scanPGRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var domains []byte
	if err := row.Scan(&r.ID, &domains, &r.Concurrency, &r.TimeoutMS, &r.Status, &r.Error,
		&r.CreatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(domains, &r.Domains); err != nil {
		return nil, fmt.Errorf("decode domains: %w", err)
	}
	return r, nil
}
