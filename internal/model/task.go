package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCrashed   = "crashed"
	StatusCancelled = "cancelled"
)

// Run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
	RunStatusAborted   = "aborted"
)

// Failure kinds recorded on non-successful results.
const (
	FailureWorker          = "worker_error"
	FailureTransient       = "transient_worker_error"
	FailureTimeout         = "timeout"
	FailureCrash           = "crash"
	FailureCancelled       = "cancelled"
	FailureMissingResult   = "missing_result"
	FailureDispatcherFatal = "dispatcher_fatal"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []string{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusTimedOut,
	StatusCrashed,
	StatusCancelled,
}

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusCrashed:   true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final task status.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCrashed, StatusCancelled:
		return true
	}
	return false
}

// Key identifies one task's result within the store. Position is the index of
// the domain in the run's input list, so duplicate domains never collide.
type Key struct {
	RunID    string `json:"run_id"`
	Domain   string `json:"domain"`
	Position int    `json:"position"`
}

// String renders the key for log output only; it is never used for lookups.
func (k Key) String() string {
	return fmt.Sprintf("%s[%d]:%s", k.RunID, k.Position, k.Domain)
}

// Failure describes why a task did not succeed.
type Failure struct {
	Kind  string `json:"kind"`
	Cause string `json:"cause,omitempty"`
}

// Record is the immutable outcome of one task.
type Record struct {
	Key
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Failure    *Failure        `json:"failure,omitempty"`
	Attempts   int             `json:"attempts"`
	WorkerID   string          `json:"worker_id,omitempty"`
	DurationMS int             `json:"duration_ms"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Run is one execution over an ordered domain list.
type Run struct {
	ID          string     `json:"id"`
	Domains     []string   `json:"domains"`
	Concurrency int        `json:"concurrency"`
	TimeoutMS   int        `json:"timeout_ms"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Key returns the store key for the domain at position i.
func (r *Run) Key(i int) Key {
	return Key{RunID: r.ID, Domain: r.Domains[i], Position: i}
}

// TaskState is the live view of a task, published for telemetry.
type TaskState struct {
	Position  int        `json:"position"`
	Domain    string     `json:"domain"`
	Status    string     `json:"status"`
	WorkerID  string     `json:"worker_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Row is one line of aggregated output. Input carries the columns of the
// input row the domain was read from, when it came from a CSV file.
type Row struct {
	Position     int             `json:"position"`
	Domain       string          `json:"domain"`
	Status       string          `json:"status"`
	Input        Fields          `json:"input,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	FailureKind  string          `json:"failure_kind,omitempty"`
	FailureCause string          `json:"failure_cause,omitempty"`
}

// LogLine represents a single persisted log line from a worker.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Position  int       `json:"position"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskEvent describes one task status transition.
type TaskEvent struct {
	RunID    string    `json:"run_id"`
	Position int       `json:"position"`
	Domain   string    `json:"domain"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	WorkerID string    `json:"worker_id,omitempty"`
	Failure  *Failure  `json:"failure,omitempty"`
	At       time.Time `json:"at"`
}
