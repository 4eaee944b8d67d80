package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Backend produces the enrichment result for a single domain. It is the only
// place domain-specific logic enters the runner.
type Backend interface {
	// Execute enriches spec.Domain. The context carries the per-domain deadline
	// and run cancellation; implementations must return promptly once it is done.
	Execute(ctx context.Context, spec TaskSpec) (TaskResult, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities

	// Cleanup releases any resources associated with the given worker.
	Cleanup(ctx context.Context, workerID string) error
}

// TaskSpec describes one domain to be processed by a backend.
type TaskSpec struct {
	WorkerID string        `json:"worker_id"`
	RunID    string        `json:"run_id"`
	Domain   string        `json:"domain"`
	Position int           `json:"position"`
	Timeout  time.Duration `json:"timeout"`

	// GracePeriod is how long a worker may take to stop after cancellation.
	// Zero means the backend's own default.
	GracePeriod time.Duration `json:"grace_period"`

	// ScratchDir is an empty directory owned by the lifecycle manager for the
	// duration of this task. It is removed after Execute returns.
	ScratchDir string `json:"scratch_dir"`

	// LogWriter is an optional callback that backends invoke to emit log lines
	// during execution. Each call delivers one line to connected SSE subscribers.
	LogWriter func(line string) `json:"-"`
}

// Log emits line through LogWriter when one is set.
func (s TaskSpec) Log(line string) {
	if s.LogWriter != nil {
		s.LogWriter(line)
	}
}

// TaskResult holds the opaque payload produced for one domain.
type TaskResult struct {
	Payload    json.RawMessage `json:"payload"`
	DurationMS int             `json:"duration_ms"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Isolation   string `json:"isolation"`
}

// TransientError marks a failure worth retrying, such as a rate-limited or
// unavailable upstream.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// CrashError reports that a worker terminated abnormally without producing a
// result.
type CrashError struct {
	ExitCode int
	Cause    string
}

func (e *CrashError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("worker crashed (exit code %d)", e.ExitCode)
	}
	return fmt.Sprintf("worker crashed (exit code %d): %s", e.ExitCode, e.Cause)
}
