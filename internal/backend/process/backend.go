package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/forge/internal/backend"
)

// Backend constants.
const (
	// BackendName is the name used when registering with the backend registry.
	BackendName = "process"

	// DefaultGracePeriod is how long a worker may run after SIGTERM before it
	// is killed.
	DefaultGracePeriod = 5 * time.Second

	// DefaultStderrTail is the number of trailing stderr lines kept for crash
	// diagnostics.
	DefaultStderrTail = 20
)

// Environment variables set for every worker process.
const (
	EnvDomain          = "FORGE_DOMAIN"
	EnvRunID           = "FORGE_RUN_ID"
	EnvPosition        = "FORGE_POSITION"
	EnvWorkerID        = "FORGE_WORKER_ID"
	EnvTimeoutMS       = "FORGE_TIMEOUT_MS"
	EnvContactDataPath = "CONTACT_DATA_PATH"
)

// Config holds configuration for the process backend.
type Config struct {
	// Command is the worker executable. The domain is appended to Args as the
	// final argument.
	Command string
	Args    []string

	// Env is added to the parent environment of every worker.
	Env map[string]string

	// GracePeriod bounds the time between SIGTERM and a forced kill.
	GracePeriod time.Duration

	// StderrTail is the number of stderr lines kept for crash causes.
	StderrTail int
}

// Backend implements backend.Backend by running one operating system process
// per task. Processes share nothing but the read-only worker binary; each runs
// in its own scratch directory.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*exec.Cmd // workerID → running command
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// NewBackend validates cfg and creates a process backend.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("worker command %q: %w", cfg.Command, err)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = DefaultStderrTail
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*exec.Cmd),
	}, nil
}

// Execute runs the worker for spec.Domain and waits for its result message.
//
// When ctx is done the worker receives SIGTERM and is killed if it has not
// exited after the grace period; Execute then returns an error wrapping
// ctx.Err(). A worker that exits without a result is reported as a
// *backend.CrashError carrying its exit code and the tail of its stderr.
func (b *Backend) Execute(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
	start := time.Now()

	args := append(slices.Clone(b.cfg.Args), spec.Domain)
	cmd := exec.CommandContext(ctx, b.cfg.Command, args...)
	cmd.Dir = spec.ScratchDir
	cmd.Env = b.environ(spec)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = b.cfg.GracePeriod
	if spec.GracePeriod > 0 {
		cmd.WaitDelay = spec.GracePeriod
	}

	// Pipes are closed after Wait so the readers see EOF even if a grandchild
	// still holds the descriptors; WaitDelay bounds that wait.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		processExitsTotal.WithLabelValues(outcomeFailed).Inc()
		return backend.TaskResult{}, fmt.Errorf("start worker: %w", err)
	}

	b.track(spec.WorkerID, cmd)
	defer b.untrack(spec.WorkerID)
	activeProcesses.Inc()
	defer activeProcesses.Dec()

	b.logger.Debug("worker started",
		"worker_id", spec.WorkerID,
		"domain", spec.Domain,
		"pid", cmd.Process.Pid,
	)

	var (
		wg      sync.WaitGroup
		result  *Result
		readErr error
		tail    = newTailBuffer(b.cfg.StderrTail)
	)
	wg.Go(func() {
		result, readErr = readMessages(outR, spec.Log)
		io.Copy(io.Discard, outR)
	})
	wg.Go(func() {
		scanner := bufio.NewScanner(errR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			spec.Log(line)
		}
		io.Copy(io.Discard, errR)
	})

	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	wg.Wait()
	duration := time.Since(start)
	processDuration.Observe(duration.Seconds())

	if ctx.Err() != nil {
		processExitsTotal.WithLabelValues(outcomeKilled).Inc()
		return backend.TaskResult{}, fmt.Errorf("worker interrupted: %w", ctx.Err())
	}

	if result == nil {
		processExitsTotal.WithLabelValues(outcomeCrashed).Inc()
		cause := tail.String()
		if readErr != nil {
			cause = strings.TrimSpace(readErr.Error() + "\n" + cause)
		}
		if cause == "" {
			cause = "worker exited without reporting a result"
		}
		return backend.TaskResult{}, &backend.CrashError{ExitCode: exitCode(waitErr), Cause: cause}
	}

	if result.Error != "" {
		processExitsTotal.WithLabelValues(outcomeFailed).Inc()
		err := errors.New(result.Error)
		if result.Transient {
			return backend.TaskResult{}, backend.Transient(err)
		}
		return backend.TaskResult{}, err
	}

	processExitsTotal.WithLabelValues(outcomeSucceeded).Inc()
	b.logger.Debug("worker completed",
		"worker_id", spec.WorkerID,
		"domain", spec.Domain,
		"duration_ms", duration.Milliseconds(),
	)

	return backend.TaskResult{
		Payload:    result.Payload,
		DurationMS: int(duration.Milliseconds()),
	}, nil
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        BackendName,
		Description: "one worker process per domain: " + b.cfg.Command,
		Isolation:   "process",
	}
}

// Cleanup kills the worker process if it is somehow still running.
func (b *Backend) Cleanup(_ context.Context, workerID string) error {
	b.mu.Lock()
	cmd, ok := b.active[workerID]
	b.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %s: %w", workerID, err)
	}
	return nil
}

// Shutdown kills all running worker processes. Called on server shutdown.
func (b *Backend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Cleanup(ctx, id); err != nil {
			b.logger.Error("shutdown cleanup failed", "worker_id", id, "error", err)
		}
	}
}

func (b *Backend) track(workerID string, cmd *exec.Cmd) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[workerID] = cmd
}

func (b *Backend) untrack(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, workerID)
}

func (b *Backend) environ(spec backend.TaskSpec) []string {
	env := os.Environ()
	keys := make([]string, 0, len(b.cfg.Env))
	for k := range b.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+b.cfg.Env[k])
	}
	return append(env,
		EnvDomain+"="+spec.Domain,
		EnvRunID+"="+spec.RunID,
		EnvPosition+"="+strconv.Itoa(spec.Position),
		EnvWorkerID+"="+spec.WorkerID,
		EnvTimeoutMS+"="+strconv.FormatInt(spec.Timeout.Milliseconds(), 10),
		EnvContactDataPath+"="+spec.ScratchDir,
	)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
