package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

type logKey struct {
	runID    string
	position int
}

// MemoryStore implements Store in process memory. A single mutex covers all
// maps, so every write is atomic and GetResults observes a consistent snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*model.Run
	runOrder []string
	results  map[model.Key]*model.Record
	byRun    map[string][]model.Key
	logs     map[logKey][]model.LogLine
	nextLog  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*model.Run),
		results: make(map[model.Key]*model.Record),
		byRun:   make(map[string][]model.Key),
		logs:    make(map[logKey][]model.LogLine),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// CreateRun stores a new run. Creating a run with an existing id is a conflict.
func (s *MemoryStore) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("create run %s: %w", r.ID, ErrConflict)
	}
	s.runs[r.ID] = cloneRun(r)
	s.runOrder = append(s.runOrder, r.ID)
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

// ListRuns returns runs newest first along with the total count.
func (s *MemoryStore) ListRuns(_ context.Context, limit, offset int) ([]*model.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.runOrder)
	var runs []*model.Run
	for i := total - 1 - offset; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, cloneRun(s.runs[s.runOrder[i]]))
	}
	return runs, total, nil
}

// FinishRun moves a running run to a final status.
func (s *MemoryStore) FinishRun(_ context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != model.RunStatusRunning {
		return fmt.Errorf("finish run %s (%s -> %s): %w", id, r.Status, status, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	r.Status = status
	r.Error = errMsg
	r.FinishedAt = &now
	return nil
}

// PutResult records a task outcome exactly once per key.
func (s *MemoryStore) PutResult(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[rec.Key]; ok {
		return fmt.Errorf("put result %s: %w", rec.Key, ErrConflict)
	}
	s.results[rec.Key] = cloneRecord(rec)
	s.byRun[rec.RunID] = append(s.byRun[rec.RunID], rec.Key)
	return nil
}

// GetResults returns a snapshot of all records for a run ordered by position.
func (s *MemoryStore) GetResults(_ context.Context, runID string) ([]*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byRun[runID]
	out := make([]*model.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneRecord(s.results[k]))
	}
	slices.SortFunc(out, func(a, b *model.Record) int { return a.Position - b.Position })
	return out, nil
}

// InsertLogLine appends a worker log line for the task at key.
func (s *MemoryStore) InsertLogLine(_ context.Context, key model.Key, seq int, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLog++
	lk := logKey{runID: key.RunID, position: key.Position}
	s.logs[lk] = append(s.logs[lk], model.LogLine{
		ID:        s.nextLog,
		RunID:     key.RunID,
		Position:  key.Position,
		Seq:       seq,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// GetLogLines returns all log lines for one task ordered by seq.
func (s *MemoryStore) GetLogLines(_ context.Context, runID string, position int) ([]model.LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := slices.Clone(s.logs[logKey{runID: runID, position: position}])
	slices.SortStableFunc(lines, func(a, b model.LogLine) int { return a.Seq - b.Seq })
	return lines, nil
}

// GetStats computes statistics over every stored result.
func (s *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	stats.Runs = len(s.runs)
	var totalMS int
	for _, rec := range s.results {
		stats.Total++
		stats.CountByStatus[rec.Status]++
		if rec.Failure != nil {
			stats.CountByFailure[rec.Failure.Kind]++
		}
		totalMS += rec.DurationMS
	}
	if stats.Total > 0 {
		stats.AvgDurationMS = float64(totalMS) / float64(stats.Total)
	}
	return stats, nil
}

func cloneRun(r *model.Run) *model.Run {
	c := *r
	c.Domains = slices.Clone(r.Domains)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneRecord(rec *model.Record) *model.Record {
	c := *rec
	c.Payload = slices.Clone(rec.Payload)
	if rec.Failure != nil {
		f := *rec.Failure
		c.Failure = &f
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		c.StartedAt = &t
	}
	return &c
}
