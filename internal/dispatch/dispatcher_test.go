package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/source"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func domainPayload(domain string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"domain":%q}`, domain))
}

// echoFn succeeds after delay with a payload naming the domain.
func echoFn(delay time.Duration) func(context.Context, backend.TaskSpec) (backend.TaskResult, error) {
	return func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return backend.TaskResult{}, ctx.Err()
		}
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}
}

func newTestDispatcher(t *testing.T, s store.Store, fn func(context.Context, backend.TaskSpec) (backend.TaskResult, error), opts dispatch.Options) *dispatch.Dispatcher {
	t.Helper()
	b := &backend.Func{Name: "test", Fn: fn}
	mgr := worker.NewManager(b, worker.Options{WorkDir: t.TempDir()}, discardLogger())
	d := dispatch.NewDispatcher(s, mgr, discardLogger(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func submitAndWait(t *testing.T, d *dispatch.Dispatcher, req dispatch.Request) (*dispatch.Run, dispatch.Summary, error) {
	t.Helper()
	r, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := r.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run %s did not finish in time", r.ID())
	}
	return r, sum, err
}

func results(t *testing.T, s store.Store, runID string) []*model.Record {
	t.Helper()
	recs, err := s.GetResults(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	return recs
}

func TestSubmitPreservesInputOrder(t *testing.T) {
	delays := map[string]time.Duration{
		"a.com": 300 * time.Millisecond,
		"b.com": 50 * time.Millisecond,
		"c.com": 150 * time.Millisecond,
	}
	var mu sync.Mutex
	var finishOrder []string
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		time.Sleep(delays[spec.Domain])
		mu.Lock()
		finishOrder = append(finishOrder, spec.Domain)
		mu.Unlock()
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}

	s := store.NewMemoryStore()
	d := newTestDispatcher(t, s, fn, dispatch.Options{})
	r, sum, err := submitAndWait(t, d, dispatch.Request{
		Source:      source.Slice{"a.com", "b.com", "c.com"},
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.Succeeded != 3 || sum.Total != 3 {
		t.Errorf("summary = %+v, want 3 succeeded of 3", sum)
	}
	if finishOrder[0] != "b.com" {
		t.Errorf("finish order = %v, want b.com first", finishOrder)
	}

	recs := results(t, s, r.ID())
	want := []string{"a.com", "b.com", "c.com"}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.Position != i || rec.Domain != want[i] {
			t.Errorf("record %d = (%d, %s), want (%d, %s)", i, rec.Position, rec.Domain, i, want[i])
		}
		if rec.Status != model.StatusSucceeded {
			t.Errorf("record %d status = %s, want succeeded", i, rec.Status)
		}
		if string(rec.Payload) != string(domainPayload(want[i])) {
			t.Errorf("record %d payload = %s", i, rec.Payload)
		}
	}
	if got := r.Model().Status; got != model.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", got)
	}
}

func TestSubmitRespectsConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int32
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}

	domains := make(source.Slice, 12)
	for i := range domains {
		domains[i] = fmt.Sprintf("d%d.com", i)
	}

	d := newTestDispatcher(t, store.NewMemoryStore(), fn, dispatch.Options{})
	_, sum, err := submitAndWait(t, d, dispatch.Request{Source: domains, Concurrency: 3})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.Succeeded != len(domains) {
		t.Errorf("succeeded = %d, want %d", sum.Succeeded, len(domains))
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

// eventLog records task transitions in the order the observer sees them.
type eventLog struct {
	mu     sync.Mutex
	events []model.TaskEvent
	added  chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{added: make(chan struct{}, 64)}
}

func (l *eventLog) OnTaskTransition(ev model.TaskEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.added <- struct{}{}:
	default:
	}
}

func (l *eventLog) snapshot() []model.TaskEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// waitFor polls until cond holds for the recorded events.
func (l *eventLog) waitFor(t *testing.T, what string, cond func([]model.TaskEvent) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond(l.snapshot()) {
		select {
		case <-l.added:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %+v", what, l.snapshot())
		}
	}
}

func countTo(events []model.TaskEvent, status string) int {
	n := 0
	for _, ev := range events {
		if ev.To == status {
			n++
		}
	}
	return n
}

func TestSchedulingFillsSlotsAndStartsNextOnCompletion(t *testing.T) {
	release := map[string]chan struct{}{
		"a.com": make(chan struct{}),
		"b.com": make(chan struct{}),
	}
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		if ch, ok := release[spec.Domain]; ok {
			select {
			case <-ch:
			case <-ctx.Done():
				return backend.TaskResult{}, ctx.Err()
			}
		}
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}

	events := newEventLog()
	d := newTestDispatcher(t, store.NewMemoryStore(), fn, dispatch.Options{Observer: events})
	r, err := d.Submit(context.Background(), dispatch.Request{
		Source:      source.Slice{"a.com", "b.com", "c.com"},
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	events.waitFor(t, "two running tasks", func(evs []model.TaskEvent) bool {
		return countTo(evs, model.StatusRunning) == 2
	})
	time.Sleep(50 * time.Millisecond)
	evs := events.snapshot()
	if n := countTo(evs, model.StatusRunning); n != 2 {
		t.Fatalf("running tasks before any completion = %d, want 2", n)
	}
	for _, ev := range evs {
		if ev.Domain == "c.com" {
			t.Fatalf("c.com transitioned (%s>%s) while both slots were busy", ev.From, ev.To)
		}
	}

	close(release["b.com"])
	events.waitFor(t, "c.com running", func(evs []model.TaskEvent) bool {
		for _, ev := range evs {
			if ev.Domain == "c.com" && ev.To == model.StatusRunning {
				return true
			}
		}
		return false
	})
	close(release["a.com"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	evs = events.snapshot()
	running, peak := 0, 0
	firstTerminal, cStart := -1, -1
	for i, ev := range evs {
		switch {
		case ev.To == model.StatusRunning:
			running++
			peak = max(peak, running)
			if ev.Domain == "c.com" {
				cStart = i
			}
		case ev.From == model.StatusRunning:
			running--
			if firstTerminal < 0 {
				firstTerminal = i
			}
			if ev.Domain != "b.com" && firstTerminal == i {
				t.Errorf("first terminal task = %s, want b.com", ev.Domain)
			}
		}
		if running > 2 {
			t.Fatalf("%d tasks running at event %d, limit is 2", running, i)
		}
	}
	if peak != 2 {
		t.Errorf("peak running = %d, want the limit of 2", peak)
	}
	if cStart < firstTerminal {
		t.Errorf("c.com started at event %d, before the first completion at %d", cStart, firstTerminal)
	}
}

// cancellingSpawner cancels the run just before the task at position
// cancelAt is handed to the manager.
type cancellingSpawner struct {
	mgr      *worker.Manager
	cancelAt int
	run      atomic.Pointer[dispatch.Run]
}

func (s *cancellingSpawner) Spawn(ctx context.Context, req worker.TaskRequest) *worker.Handle {
	if req.Key.Position == s.cancelAt {
		for s.run.Load() == nil {
			time.Sleep(time.Millisecond)
		}
		s.run.Load().Cancel()
	}
	return s.mgr.Spawn(ctx, req)
}

func TestCancelDuringSpawnNeverStartsTask(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return backend.TaskResult{}, ctx.Err()
	}
	b := &backend.Func{Name: "test", Fn: fn}
	sp := &cancellingSpawner{
		mgr:      worker.NewManager(b, worker.Options{WorkDir: t.TempDir()}, discardLogger()),
		cancelAt: 1,
	}
	events := newEventLog()
	s := store.NewMemoryStore()
	d := dispatch.NewDispatcher(s, sp, discardLogger(), dispatch.Options{Observer: events})

	r, err := d.Submit(context.Background(), dispatch.Request{
		Source:      source.Slice{"a.com", "b.com", "c.com"},
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sp.run.Store(r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.Cancelled != 3 {
		t.Errorf("summary = %+v, want 3 cancelled", sum)
	}
	for _, ev := range events.snapshot() {
		if ev.Position > 0 && ev.To == model.StatusRunning {
			t.Errorf("position %d started after cancellation", ev.Position)
		}
	}
	if n := calls.Load(); n > 1 {
		t.Errorf("backend called %d times, want at most 1", n)
	}
	recs := results(t, s, r.ID())
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[1].Failure == nil || recs[1].Failure.Cause != "run cancelled before task started" {
		t.Errorf("b.com record = %s %+v, want never started", recs[1].Status, recs[1].Failure)
	}
}

func TestSubmitRecordsFailuresWithoutStopping(t *testing.T) {
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		switch spec.Domain {
		case "crash.com":
			return backend.TaskResult{}, &backend.CrashError{ExitCode: 2, Cause: "segfault"}
		case "fail.com":
			return backend.TaskResult{}, errors.New("no contacts api")
		case "slow.com":
			<-ctx.Done()
			return backend.TaskResult{}, ctx.Err()
		}
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}

	s := store.NewMemoryStore()
	d := newTestDispatcher(t, s, fn, dispatch.Options{})
	r, sum, err := submitAndWait(t, d, dispatch.Request{
		Source:      source.Slice{"ok.com", "crash.com", "fail.com", "slow.com"},
		Concurrency: 4,
		Timeout:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := dispatch.Summary{Total: 4, Succeeded: 1, Failed: 1, TimedOut: 1, Crashed: 1}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	recs := results(t, s, r.ID())
	tests := []struct {
		status, kind string
	}{
		{model.StatusSucceeded, ""},
		{model.StatusCrashed, model.FailureCrash},
		{model.StatusFailed, model.FailureWorker},
		{model.StatusTimedOut, model.FailureTimeout},
	}
	for i, tt := range tests {
		rec := recs[i]
		if rec.Status != tt.status {
			t.Errorf("%s: status = %s, want %s", rec.Domain, rec.Status, tt.status)
		}
		var kind string
		if rec.Failure != nil {
			kind = rec.Failure.Kind
		}
		if kind != tt.kind {
			t.Errorf("%s: failure kind = %q, want %q", rec.Domain, kind, tt.kind)
		}
	}
	if got := r.Model().Status; got != model.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", got)
	}
}

func TestCancelStopsPendingTasks(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		calls.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return backend.TaskResult{}, ctx.Err()
	}

	s := store.NewMemoryStore()
	d := newTestDispatcher(t, s, fn, dispatch.Options{})
	r, err := d.Submit(context.Background(), dispatch.Request{
		Source:      source.Slice{"a.com", "b.com", "c.com"},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never started")
	}
	if active := d.Active(); len(active) != 1 || active[0].ID() != r.ID() {
		t.Errorf("Active() = %d runs, want the submitted run", len(active))
	}
	r.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.Cancelled != 3 {
		t.Errorf("cancelled = %d, want 3 (summary %+v)", sum.Cancelled, sum)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
	for _, rec := range results(t, s, r.ID()) {
		if rec.Status != model.StatusCancelled || rec.Failure == nil || rec.Failure.Kind != model.FailureCancelled {
			t.Errorf("%s: got %s %+v, want cancelled", rec.Domain, rec.Status, rec.Failure)
		}
	}
	got, err := s.GetRun(context.Background(), r.ID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunStatusCancelled {
		t.Errorf("stored run status = %s, want cancelled", got.Status)
	}

	if active := d.Active(); len(active) != 0 {
		t.Errorf("Active() = %d runs after finish, want 0", len(active))
	}

	// Cancelling a finished run changes nothing.
	r.Cancel()
	if st := r.Model().Status; st != model.RunStatusCancelled {
		t.Errorf("status after second cancel = %s", st)
	}
}

// failingStore rejects every result write.
type failingStore struct {
	store.Store
}

func (f failingStore) PutResult(context.Context, *model.Record) error {
	return errors.New("disk full")
}

func TestStoreFailureAbortsRun(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		calls.Add(1)
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}

	mem := store.NewMemoryStore()
	d := newTestDispatcher(t, failingStore{mem}, fn, dispatch.Options{})
	r, _, err := submitAndWait(t, d, dispatch.Request{
		Source:      source.Slice{"a.com", "b.com", "c.com"},
		Concurrency: 1,
	})
	if !dispatch.IsFatal(err) {
		t.Fatalf("Wait error = %v, want FatalError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("backend called %d times after abort, want 1", calls.Load())
	}

	tasks := r.Tasks()
	for _, ts := range tasks[1:] {
		if ts.Status != model.StatusFailed {
			t.Errorf("position %d status = %s, want failed", ts.Position, ts.Status)
		}
	}

	m := r.Model()
	if m.Status != model.RunStatusAborted {
		t.Errorf("run status = %s, want aborted", m.Status)
	}
	if m.Error == "" {
		t.Error("expected run error message")
	}
	stored, err := mem.GetRun(context.Background(), r.ID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != model.RunStatusAborted {
		t.Errorf("stored status = %s, want aborted", stored.Status)
	}
}

func TestSubmitEmptyListCompletesImmediately(t *testing.T) {
	d := newTestDispatcher(t, store.NewMemoryStore(), echoFn(0), dispatch.Options{})
	r, err := d.Submit(context.Background(), dispatch.Request{Source: source.Slice{}, Concurrency: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("empty run not finished on return")
	}
	if got := r.Model().Status; got != model.RunStatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if sum := r.Summary(); sum.Total != 0 {
		t.Errorf("total = %d, want 0", sum.Total)
	}
}

func TestSubmitValidation(t *testing.T) {
	d := newTestDispatcher(t, store.NewMemoryStore(), echoFn(0), dispatch.Options{})
	ctx := context.Background()

	if _, err := d.Submit(ctx, dispatch.Request{Source: source.Slice{"a.com"}, Concurrency: 0}); !errors.Is(err, dispatch.ErrInvalidConcurrency) {
		t.Errorf("concurrency 0: err = %v", err)
	}
	if _, err := d.Submit(ctx, dispatch.Request{RunID: "../etc", Source: source.Slice{"a.com"}, Concurrency: 1}); !errors.Is(err, dispatch.ErrInvalidRunID) {
		t.Errorf("bad run id: err = %v", err)
	}

	badSource := source.File{Path: "/nonexistent/domains.txt"}
	_, err := d.Submit(ctx, dispatch.Request{Source: badSource, Concurrency: 1})
	if !dispatch.IsFatal(err) {
		t.Errorf("missing source: err = %v, want FatalError", err)
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	s := store.NewMemoryStore()
	d := newTestDispatcher(t, s, echoFn(5*time.Second), dispatch.Options{})

	running, err := d.Submit(context.Background(), dispatch.Request{Source: source.Slice{"a.com"}, Concurrency: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-running.Done():
	default:
		t.Fatal("run still active after Shutdown returned")
	}

	_, err = d.Submit(context.Background(), dispatch.Request{RunID: "late", Source: source.Slice{"b.com"}, Concurrency: 1})
	if !errors.Is(err, dispatch.ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
	if _, err := s.GetRun(context.Background(), "late"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected run was stored: err = %v", err)
	}
}

func TestSubmitDuringShutdown(t *testing.T) {
	d := newTestDispatcher(t, store.NewMemoryStore(), echoFn(10*time.Millisecond), dispatch.Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted []*dispatch.Run
	for i := range 20 {
		wg.Go(func() {
			r, err := d.Submit(context.Background(), dispatch.Request{
				Source:      source.Slice{fmt.Sprintf("d%d.com", i)},
				Concurrency: 1,
			})
			switch {
			case err == nil:
				mu.Lock()
				accepted = append(accepted, r)
				mu.Unlock()
			case !errors.Is(err, dispatch.ErrShuttingDown):
				t.Errorf("Submit: %v", err)
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()

	// Every accepted run was either finished by Shutdown or is cancelled.
	for _, r := range accepted {
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("run %s never finished", r.ID())
		}
		wcancel()
	}
}

func TestSubmitDuplicateRunID(t *testing.T) {
	d := newTestDispatcher(t, store.NewMemoryStore(), echoFn(0), dispatch.Options{})
	req := dispatch.Request{RunID: "batch-1", Source: source.Slice{"a.com"}, Concurrency: 1}
	submitAndWait(t, d, req)

	_, err := d.Submit(context.Background(), req)
	if !dispatch.IsFatal(err) || !errors.Is(err, store.ErrConflict) {
		t.Errorf("err = %v, want fatal conflict", err)
	}
}

func TestDuplicateDomainsGetOwnRecords(t *testing.T) {
	s := store.NewMemoryStore()
	d := newTestDispatcher(t, s, echoFn(time.Millisecond), dispatch.Options{})
	r, sum, err := submitAndWait(t, d, dispatch.Request{
		Source:      source.Slice{"a.com", "a.com", "b.com"},
		Concurrency: 3,
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.Succeeded != 3 {
		t.Errorf("succeeded = %d, want 3", sum.Succeeded)
	}
	if recs := results(t, s, r.ID()); len(recs) != 3 {
		t.Errorf("got %d records, want 3", len(recs))
	}
}

func TestResultsIndependentOfConcurrency(t *testing.T) {
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		if spec.Domain == "bad.com" {
			return backend.TaskResult{}, errors.New("rejected")
		}
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}
	domains := source.Slice{"a.com", "bad.com", "c.com", "d.com", "bad.com"}

	outcome := func(limit int) []string {
		s := store.NewMemoryStore()
		d := newTestDispatcher(t, s, fn, dispatch.Options{})
		r, _, err := submitAndWait(t, d, dispatch.Request{Source: domains, Concurrency: limit})
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		var out []string
		for _, rec := range results(t, s, r.ID()) {
			out = append(out, fmt.Sprintf("%d %s %s %s", rec.Position, rec.Domain, rec.Status, rec.Payload))
		}
		return out
	}

	serial, parallel := outcome(1), outcome(4)
	if len(serial) != len(parallel) {
		t.Fatalf("lengths differ: %d vs %d", len(serial), len(parallel))
	}
	for i := range serial {
		if serial[i] != parallel[i] {
			t.Errorf("row %d: %q vs %q", i, serial[i], parallel[i])
		}
	}
}

func TestObserverSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	events := map[int][]string{}
	obs := dispatch.ObserverFunc(func(ev model.TaskEvent) {
		mu.Lock()
		events[ev.Position] = append(events[ev.Position], ev.From+">"+ev.To)
		mu.Unlock()
	})

	d := newTestDispatcher(t, store.NewMemoryStore(), echoFn(time.Millisecond), dispatch.Options{Observer: obs})
	if _, _, err := submitAndWait(t, d, dispatch.Request{Source: source.Slice{"a.com", "b.com"}, Concurrency: 2}); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for pos := range 2 {
		got := events[pos]
		want := []string{"pending>running", "running>succeeded"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("position %d events = %v, want %v", pos, got, want)
		}
	}
}

func TestWorkerLogsPersistedAndStreamed(t *testing.T) {
	fn := func(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		spec.Log("searching " + spec.Domain)
		spec.Log("found 2 contacts")
		return backend.TaskResult{Payload: domainPayload(spec.Domain)}, nil
	}

	s := store.NewMemoryStore()
	d := newTestDispatcher(t, s, fn, dispatch.Options{})
	r, _, err := submitAndWait(t, d, dispatch.Request{
		RunID:       "logs-run",
		Source:      source.Slice{"a.com"},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	lines, err := s.GetLogLines(context.Background(), r.ID(), 0)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 || lines[0].Line != "searching a.com" || lines[1].Seq != 1 {
		t.Errorf("log lines = %+v", lines)
	}

	// The task's topic is closed once it is terminal.
	ch, unsub := d.Broker().Subscribe(dispatch.TaskTopic(r.ID(), 0))
	defer unsub()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel for finished task")
		}
	case <-time.After(time.Second):
		t.Error("subscription to finished task did not close")
	}
}

func TestGetReturnsSubmittedRun(t *testing.T) {
	d := newTestDispatcher(t, store.NewMemoryStore(), echoFn(0), dispatch.Options{RetainRuns: 1})
	first, _, _ := submitAndWait(t, d, dispatch.Request{Source: source.Slice{"a.com"}, Concurrency: 1})
	if got, ok := d.Get(first.ID()); !ok || got != first {
		t.Fatal("Get did not return the finished run")
	}

	second, _, _ := submitAndWait(t, d, dispatch.Request{Source: source.Slice{"b.com"}, Concurrency: 1})
	if _, ok := d.Get(first.ID()); ok {
		t.Error("oldest finished run should have been retired")
	}
	if _, ok := d.Get(second.ID()); !ok {
		t.Error("latest run missing")
	}
}
