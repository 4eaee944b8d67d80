package store

import (
	"context"
	"errors"

	"github.com/seantiz/forge/internal/model"
)

var (
	// ErrNotFound is returned when a run is not found.
	ErrNotFound = errors.New("run not found")

	// ErrConflict is returned when a result is written twice for the same key.
	// A conflict means a task was processed twice and is never user-facing.
	ErrConflict = errors.New("result already recorded")

	// ErrInvalidTransition is returned when a run status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats holds aggregate task statistics across all runs.
type Stats struct {
	Runs           int            `json:"runs"`
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByFailure map[string]int `json:"count_by_failure"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store persists runs, per-task result records and worker log lines.
//
// Results are write-once: PutResult for a key that already has a record
// returns an error wrapping ErrConflict and leaves the stored record intact.
// GetResults returns a consistent snapshot of one run's records ordered by
// position. Keys carry the run id, so runs never interfere with each other.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	FinishRun(ctx context.Context, id, status, errMsg string) error
	PutResult(ctx context.Context, rec *model.Record) error
	GetResults(ctx context.Context, runID string) ([]*model.Record, error)
	InsertLogLine(ctx context.Context, key model.Key, seq int, line string) error
	GetLogLines(ctx context.Context, runID string, position int) ([]model.LogLine, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

func newStats() *Stats {
	return &Stats{
		CountByStatus:  make(map[string]int),
		CountByFailure: make(map[string]int),
	}
}
