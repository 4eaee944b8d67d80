package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/source"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

// Defaults applied when a request leaves a value unset.
const (
	DefaultTimeout     = 2 * time.Minute
	DefaultGracePeriod = 5 * time.Second
	DefaultRetainRuns  = 100
)

// Spawner launches isolated workers. *worker.Manager implements it.
type Spawner interface {
	Spawn(ctx context.Context, req worker.TaskRequest) *worker.Handle
}

// Request describes a run to submit.
type Request struct {
	// RunID names the run. Empty generates a UUID.
	RunID       string
	Source      source.Source
	Concurrency int
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	Observer Observer

	// RetainRuns is how many finished runs Get still returns.
	RetainRuns int
}

// Dispatcher runs domain lists through isolated workers under a per-run
// concurrency limit and records every outcome in the store.
type Dispatcher struct {
	store    store.Store
	spawner  Spawner
	observer Observer
	broker   *LogBroker
	logger   *slog.Logger
	retain   int
	wg       sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*Run
	finished []string
	closing  bool
}

// NewDispatcher creates a dispatcher writing results to s.
func NewDispatcher(s store.Store, sp Spawner, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.RetainRuns <= 0 {
		opts.RetainRuns = DefaultRetainRuns
	}
	return &Dispatcher{
		store:    s,
		spawner:  sp,
		observer: opts.Observer,
		broker:   NewLogBroker(),
		logger:   logger.With("component", "dispatch"),
		retain:   opts.RetainRuns,
		runs:     make(map[string]*Run),
	}
}

// Broker returns the dispatcher's log broker for SSE subscription.
func (d *Dispatcher) Broker() *LogBroker {
	return d.broker
}

// Submit reads the domain list once, records the run and starts scheduling
// in the background. ctx bounds only the submission; use Run.Cancel to stop
// the run itself.
//
// Per-domain failures never surface here. Submit fails with
// ErrInvalidConcurrency or ErrInvalidRunID for bad requests and with a
// *FatalError when the source or the store cannot be used. An empty domain
// list yields a run that is already finished. Once Shutdown has begun,
// Submit returns ErrShuttingDown.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Run, error) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()
	background := false
	defer func() {
		if !background {
			d.wg.Done()
		}
	}()

	if req.Concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, req.Concurrency)
	}

	id := req.RunID
	if id == "" {
		id = model.NewRunID()
	} else if !model.ValidRunID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}

	if req.Source == nil {
		return nil, &FatalError{RunID: id, Op: "read source", Err: errors.New("no source configured")}
	}
	domains, err := req.Source.Domains(ctx)
	if err != nil {
		return nil, &FatalError{RunID: id, Op: "read source", Err: err}
	}
	if domains == nil {
		domains = []string{}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := req.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	m := model.Run{
		ID:          id,
		Domains:     domains,
		Concurrency: req.Concurrency,
		TimeoutMS:   int(timeout.Milliseconds()),
		Status:      model.RunStatusRunning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.store.CreateRun(ctx, &m); err != nil {
		return nil, &FatalError{RunID: id, Op: "create run", Err: err}
	}

	r := newRun(m, timeout, grace)
	d.mu.Lock()
	d.runs[id] = r
	if d.closing {
		r.Cancel()
	}
	d.mu.Unlock()

	d.logger.Info("run submitted",
		"run_id", id,
		"domains", len(domains),
		"concurrency", req.Concurrency,
		"timeout", timeout,
	)

	if len(domains) == 0 {
		d.execute(r)
		return r, nil
	}
	background = true
	go func() {
		defer d.wg.Done()
		d.execute(r)
	}()
	return r, nil
}

// Get returns an active or recently finished run.
func (d *Dispatcher) Get(runID string) (*Run, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.runs[runID]
	return r, ok
}

// Active returns the runs that have not finished yet.
func (d *Dispatcher) Active() []*Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Run
	for _, r := range d.runs {
		select {
		case <-r.Done():
		default:
			out = append(out, r)
		}
	}
	return out
}

// Wait blocks until all submitted runs have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels every active run and waits for them to finish or for ctx
// to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	for _, r := range d.runs {
		r.Cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completion carries one terminal record to the collector. slot is set when
// the task held a concurrency slot that must be released after recording.
type completion struct {
	rec  model.Record
	slot bool
}

// execute schedules the run's tasks in input order. The launcher (this
// goroutine) admits a task only after acquiring a slot; the collector writes
// each record, marks the task terminal and only then releases the slot, so
// running tasks never exceed the limit.
func (d *Dispatcher) execute(r *Run) {
	defer r.cancel()

	m := r.Model()
	total := len(m.Domains)
	sem := semaphore.NewWeighted(int64(m.Concurrency))

	completions := make(chan completion)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for c := range completions {
			d.collect(r, c)
			if c.slot {
				sem.Release(1)
			}
		}
	}()

	var relays sync.WaitGroup
	next := 0
	for ; next < total; next++ {
		if err := sem.Acquire(r.ctx, 1); err != nil {
			break
		}
		// Acquire may succeed on a done context when a slot is free.
		if r.ctx.Err() != nil {
			sem.Release(1)
			break
		}

		key := m.Key(next)
		h := d.spawner.Spawn(r.ctx, worker.TaskRequest{
			Key:         key,
			Timeout:     r.timeout,
			GracePeriod: r.grace,
			LogWriter:   d.logWriter(key),
		})
		if !d.transition(r, next, model.StatusRunning, h.Worker().ID, nil) {
			// Stopped while spawning: the worker sees a cancelled context.
			// Its task is recorded below as never started.
			h.Wait()
			sem.Release(1)
			break
		}
		relays.Go(func() {
			completions <- completion{rec: h.Wait(), slot: true}
		})
	}

	for i := next; i < total; i++ {
		completions <- completion{rec: d.unlaunched(r, m.Key(i))}
	}

	relays.Wait()
	close(completions)
	<-collected

	d.finish(r)
}

// unlaunched builds the record of a task that never started because the run
// was cancelled or aborted.
func (d *Dispatcher) unlaunched(r *Run, key model.Key) model.Record {
	rec := model.Record{
		Key:        key,
		Status:     model.StatusCancelled,
		Failure:    &model.Failure{Kind: model.FailureCancelled, Cause: "run cancelled before task started"},
		FinishedAt: time.Now().UTC(),
	}
	if err := r.Err(); err != nil {
		rec.Status = model.StatusFailed
		rec.Failure = &model.Failure{Kind: model.FailureDispatcherFatal, Cause: err.Error()}
	}
	return rec
}

// collect stores one terminal record and publishes the transition.
func (d *Dispatcher) collect(r *Run, c completion) {
	rec := c.rec
	logger := d.logger.With("run_id", rec.RunID, "position", rec.Position, "domain", rec.Domain)

	err := d.store.PutResult(context.Background(), &rec)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		// A second record for one key means a task ran twice.
		resultConflictsTotal.Inc()
		logger.Error("duplicate result rejected, keeping the first", "error", err)
	default:
		logger.Error("failed to store result", "error", err)
		r.abort(&FatalError{RunID: rec.RunID, Op: "store result", Err: err})
	}

	d.transition(r, rec.Position, rec.Status, rec.WorkerID, rec.Failure)
	if c.slot {
		taskDuration.WithLabelValues(rec.Status).Observe(float64(rec.DurationMS) / 1000)
	}
	d.broker.Close(TaskTopic(rec.RunID, rec.Position))

	s := r.Summary()
	logger.Info("task finished",
		"status", rec.Status,
		"completed", s.Finished(),
		"total", s.Total,
		"success", s.Succeeded,
		"failed", s.Finished()-s.Succeeded,
	)
}

// transition moves one task to status and notifies the observer. It reports
// false when the move was refused: invalid transitions are logged, and no
// task starts running once the run is cancelled or aborted.
func (d *Dispatcher) transition(r *Run, pos int, to, workerID string, failure *model.Failure) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	t := &r.tasks[pos]
	from := t.Status
	if to == model.StatusRunning && (r.cancelled || r.fatal != nil) {
		r.mu.Unlock()
		return false
	}
	if !model.ValidTransition(from, to) {
		r.mu.Unlock()
		d.logger.Error("invalid task transition",
			"run_id", r.run.ID, "position", pos, "from", from, "to", to)
		return false
	}
	t.Status = to
	if workerID != "" {
		t.WorkerID = workerID
	}
	if to == model.StatusRunning {
		t.StartedAt = &now
	}
	if model.IsTerminal(to) {
		r.summary.add(to)
	}
	ev := model.TaskEvent{
		RunID:    r.run.ID,
		Position: pos,
		Domain:   t.Domain,
		From:     from,
		To:       to,
		WorkerID: t.WorkerID,
		Failure:  failure,
		At:       now,
	}
	r.mu.Unlock()

	switch {
	case to == model.StatusRunning:
		tasksRunning.Inc()
	case from == model.StatusRunning:
		tasksRunning.Dec()
	}
	taskTransitionsTotal.WithLabelValues(to).Inc()
	d.observer.OnTaskTransition(ev)
	return true
}

// logWriter persists each worker log line and publishes it for live
// subscribers.
func (d *Dispatcher) logWriter(key model.Key) func(string) {
	var seq atomic.Int32
	topic := TaskTopic(key.RunID, key.Position)
	return func(line string) {
		s := int(seq.Add(1) - 1)
		if err := d.store.InsertLogLine(context.Background(), key, s, line); err != nil {
			d.logger.Error("failed to persist log line", "run_id", key.RunID, "position", key.Position, "seq", s, "error", err)
		}
		d.broker.Publish(topic, line)
	}
}

// finish records the run's final status and closes Done.
func (d *Dispatcher) finish(r *Run) {
	status := model.RunStatusCompleted
	if r.wasCancelled() {
		status = model.RunStatusCancelled
	}
	fatal := r.Err()
	if fatal != nil {
		status = model.RunStatusAborted
	}

	var errMsg string
	if fatal != nil {
		errMsg = fatal.Error()
	}
	if err := d.store.FinishRun(context.Background(), r.run.ID, status, errMsg); err != nil {
		d.logger.Error("failed to record run status", "run_id", r.run.ID, "status", status, "error", err)
		if fatal == nil {
			fatal = &FatalError{RunID: r.run.ID, Op: "finish run", Err: err}
			r.abort(fatal)
			status = model.RunStatusAborted
			errMsg = fatal.Error()
		}
	}

	now := time.Now().UTC()
	r.mu.Lock()
	r.run.Status = status
	r.run.Error = errMsg
	r.run.FinishedAt = &now
	s := r.summary
	r.mu.Unlock()

	runsTotal.WithLabelValues(status).Inc()
	d.logger.Info("run finished",
		"run_id", r.run.ID,
		"status", status,
		"total", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"timed_out", s.TimedOut,
		"crashed", s.Crashed,
		"cancelled", s.Cancelled,
	)

	d.retire(r.run.ID)
	close(r.done)
}

// retire keeps at most d.retain finished runs reachable through Get.
func (d *Dispatcher) retire(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = append(d.finished, runID)
	for len(d.finished) > d.retain {
		oldest := d.finished[0]
		d.finished = d.finished[1:]
		delete(d.runs, oldest)
		d.broker.Forget(oldest)
	}
}
