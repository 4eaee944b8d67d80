package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
)

// Options configures the lifecycle manager.
type Options struct {
	// WorkDir is the parent of every scratch directory. Defaults to
	// $TMPDIR/forge.
	WorkDir string

	// KeepScratch leaves scratch directories in place for debugging.
	KeepScratch bool

	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries int

	// RateLimitRPS is a global launch limit across all workers. Set to <=0 to
	// disable.
	RateLimitRPS float64

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// CleanupTimeout bounds Backend.Cleanup after a task ends.
	CleanupTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkDir == "" {
		o.WorkDir = defaultWorkDir()
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.BackoffJitterFrac <= 0 {
		o.BackoffJitterFrac = 0.2
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 10 * time.Second
	}
	return o
}

// abandonSlack is added to the grace period before a worker that ignores its
// stop request is abandoned, so backends that enforce the grace themselves
// report first.
const abandonSlack = time.Second

// TaskRequest asks the manager to process one domain.
type TaskRequest struct {
	Key         model.Key
	Timeout     time.Duration
	GracePeriod time.Duration

	// LogWriter receives worker log lines as they are produced.
	LogWriter func(line string)
}

// Record is the manager's bookkeeping for one live worker. It is owned by the
// manager from Spawn until the handle resolves.
type Record struct {
	ID         string    `json:"id"`
	Key        model.Key `json:"key"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
	ScratchDir string    `json:"scratch_dir"`
}

// Handle resolves to the result record of a spawned worker.
type Handle struct {
	worker Record
	done   chan struct{}
	rec    model.Record
}

// Worker returns the worker record assigned at spawn time.
func (h *Handle) Worker() Record { return h.worker }

// Done is closed once the result record is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the worker has finished and returns its result record.
// Every handle resolves exactly once, whatever happened to the worker.
func (h *Handle) Wait() model.Record {
	<-h.done
	return h.rec
}

// Manager owns the lifecycle of isolated workers: it creates each worker's
// scratch directory, enforces the per-domain deadline, classifies the outcome
// and always releases the worker's resources.
type Manager struct {
	backend backend.Backend
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewManager creates a lifecycle manager launching workers through b.
func NewManager(b backend.Backend, opts Options, logger *slog.Logger) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		backend: b,
		opts:    opts,
		logger:  logger.With("component", "worker"),
	}
	if opts.RateLimitRPS > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return m
}

// Spawn starts a worker for req and returns immediately. The worker stops
// when ctx is cancelled or its deadline passes.
func (m *Manager) Spawn(ctx context.Context, req TaskRequest) *Handle {
	now := time.Now().UTC()
	id := model.NewID()
	h := &Handle{
		worker: Record{
			ID:         id,
			Key:        req.Key,
			StartedAt:  now,
			Deadline:   now.Add(req.Timeout),
			ScratchDir: scratchPath(m.opts.WorkDir, req.Key.Domain, id),
		},
		done: make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker lifecycle panic", "worker_id", id, "panic", r)
				h.rec = finished(h.worker, model.StatusCrashed, model.FailureCrash, fmt.Sprintf("panic: %v", r), 0)
			}
		}()
		h.rec = m.run(ctx, req, h.worker)
	}()
	return h
}

func (m *Manager) run(ctx context.Context, req TaskRequest, w Record) model.Record {
	logger := m.logger.With(
		"worker_id", w.ID,
		"run_id", w.Key.RunID,
		"position", w.Key.Position,
		"domain", w.Key.Domain,
	)

	taskCtx, cancel := context.WithDeadline(ctx, w.Deadline)
	defer cancel()

	if err := os.MkdirAll(w.ScratchDir, 0o755); err != nil {
		logger.Error("create scratch dir failed", "error", err)
		return finished(w, model.StatusFailed, model.FailureWorker, fmt.Sprintf("create scratch dir: %v", err), 0)
	}
	defer m.release(logger, w)

	// Lines from a worker abandoned after its deadline are dropped.
	var resolved atomic.Bool
	logWriter := func(line string) {
		if req.LogWriter != nil && !resolved.Load() {
			req.LogWriter(line)
		}
	}
	defer resolved.Store(true)

	spec := backend.TaskSpec{
		WorkerID:    w.ID,
		RunID:       w.Key.RunID,
		Domain:      w.Key.Domain,
		Position:    w.Key.Position,
		Timeout:     w.Deadline.Sub(w.StartedAt),
		GracePeriod: req.GracePeriod,
		ScratchDir:  w.ScratchDir,
		LogWriter:   logWriter,
	}

	outcomes := make(chan attemptOutcome, 1)
	go func() {
		res, attempts, err := m.executeWithRetry(taskCtx, spec, logger)
		outcomes <- attemptOutcome{res: res, attempts: attempts, err: err}
	}()

	var out attemptOutcome
	select {
	case out = <-outcomes:
	case <-taskCtx.Done():
		abandon := time.NewTimer(req.GracePeriod + abandonSlack)
		defer abandon.Stop()
		select {
		case out = <-outcomes:
		case <-abandon.C:
			status, kind, cause := m.classify(ctx, taskCtx, req.Timeout, taskCtx.Err())
			abandonedTotal.Inc()
			logger.Warn("worker ignored stop request, abandoning it",
				"status", status,
				"grace_period", req.GracePeriod,
			)
			return finished(w, status, kind, cause, 1)
		}
	}

	// A result that lands after the deadline or a cancellation does not count.
	if out.err == nil && taskCtx.Err() != nil {
		out.err = taskCtx.Err()
	}
	if out.err == nil {
		rec := finished(w, model.StatusSucceeded, "", "", out.attempts)
		rec.Payload = out.res.Payload
		return rec
	}

	status, kind, cause := m.classify(ctx, taskCtx, req.Timeout, out.err)
	logger.Info("worker finished without result",
		"status", status,
		"failure_kind", kind,
		"attempts", out.attempts,
		"error", out.err,
	)
	return finished(w, status, kind, cause, out.attempts)
}

// attemptOutcome is what executeWithRetry hands back to run.
type attemptOutcome struct {
	res      backend.TaskResult
	attempts int
	err      error
}

// classify maps a worker error onto a terminal status and failure kind. The
// parent context wins over the deadline so a cancelled run never reports
// timeouts.
func (m *Manager) classify(parent, taskCtx context.Context, timeout time.Duration, err error) (status, kind, cause string) {
	if parent.Err() != nil {
		return model.StatusCancelled, model.FailureCancelled, "run cancelled"
	}
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return model.StatusTimedOut, model.FailureTimeout, fmt.Sprintf("exceeded per-domain timeout of %s", timeout)
	}

	var ce *backend.CrashError
	if errors.As(err, &ce) {
		return model.StatusCrashed, model.FailureCrash, ce.Error()
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return model.StatusCrashed, model.FailureCrash, pe.Error()
	}
	if backend.IsTransient(err) {
		return model.StatusFailed, model.FailureTransient, err.Error()
	}
	return model.StatusFailed, model.FailureWorker, err.Error()
}

// release removes the scratch directory and lets the backend free anything
// it holds for the worker. It runs on every exit path.
func (m *Manager) release(logger *slog.Logger, w Record) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CleanupTimeout)
	defer cancel()
	if err := m.backend.Cleanup(ctx, w.ID); err != nil {
		logger.Warn("backend cleanup failed", "error", err)
	}
	if m.opts.KeepScratch {
		logger.Debug("keeping scratch dir", "path", w.ScratchDir)
		return
	}
	if err := os.RemoveAll(w.ScratchDir); err != nil {
		logger.Warn("remove scratch dir failed", "path", w.ScratchDir, "error", err)
	}
}

func finished(w Record, status, kind, cause string, attempts int) model.Record {
	now := time.Now().UTC()
	started := w.StartedAt
	rec := model.Record{
		Key:        w.Key,
		Status:     status,
		Attempts:   attempts,
		WorkerID:   w.ID,
		DurationMS: int(now.Sub(started).Milliseconds()),
		StartedAt:  &started,
		FinishedAt: now,
	}
	if kind != "" {
		rec.Failure = &model.Failure{Kind: kind, Cause: cause}
	}
	return rec
}

// panicError is returned when a backend panics inside Execute.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// executeOnce calls the backend, turning a panic into a *panicError.
func (m *Manager) executeOnce(ctx context.Context, spec backend.TaskSpec) (res backend.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return m.backend.Execute(ctx, spec)
}
