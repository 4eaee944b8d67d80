package dispatch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// Summary counts a run's terminal task outcomes.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Crashed   int `json:"crashed"`
	Cancelled int `json:"cancelled"`
}

// Finished returns the number of tasks in a terminal status.
func (s Summary) Finished() int {
	return s.Succeeded + s.Failed + s.TimedOut + s.Crashed + s.Cancelled
}

func (s *Summary) add(status string) {
	switch status {
	case model.StatusSucceeded:
		s.Succeeded++
	case model.StatusFailed:
		s.Failed++
	case model.StatusTimedOut:
		s.TimedOut++
	case model.StatusCrashed:
		s.Crashed++
	case model.StatusCancelled:
		s.Cancelled++
	}
}

// Run is the live handle of one submitted run.
type Run struct {
	timeout time.Duration
	grace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	run       model.Run
	tasks     []model.TaskState
	summary   Summary
	cancelled bool
	fatal     error
}

func newRun(m model.Run, timeout, grace time.Duration) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	tasks := make([]model.TaskState, len(m.Domains))
	for i, d := range m.Domains {
		tasks[i] = model.TaskState{Position: i, Domain: d, Status: model.StatusPending}
	}
	return &Run{
		timeout: timeout,
		grace:   grace,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		run:     m,
		tasks:   tasks,
		summary: Summary{Total: len(m.Domains)},
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.run.ID }

// Model returns a copy of the run's current state.
func (r *Run) Model() model.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.run
	m.Domains = slices.Clone(r.run.Domains)
	return m
}

// Done is closed exactly once, when every task is terminal and the run's
// final status has been recorded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done. The error is the run's
// FatalError when it was aborted.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.Summary(), ctx.Err()
	}
	return r.Summary(), r.Err()
}

// Cancel stops scheduling. Pending tasks end cancelled without starting and
// running workers are asked to stop. Cancel on a finished run is a no-op.
func (r *Run) Cancel() {
	r.mu.Lock()
	select {
	case <-r.done:
	default:
		r.cancelled = true
	}
	r.mu.Unlock()
	r.cancel()
}

// Tasks returns the live state of every task in input order.
func (r *Run) Tasks() []model.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TaskState, len(r.tasks))
	for i, t := range r.tasks {
		if t.StartedAt != nil {
			s := *t.StartedAt
			t.StartedAt = &s
		}
		out[i] = t
	}
	return out
}

// Summary returns the current outcome counts.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Err returns the fatal error that aborted the run, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// abort records the first fatal error and stops the run.
func (r *Run) abort(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *Run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
