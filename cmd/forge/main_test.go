package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/aggregate"
	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sink"
	"github.com/seantiz/forge/internal/source"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, fn func(context.Context, backend.TaskSpec) (backend.TaskResult, error)) *app {
	t.Helper()
	db := store.NewMemoryStore()
	b := &backend.Func{Name: "test", Fn: fn}
	mgr := worker.NewManager(b, worker.Options{WorkDir: t.TempDir()}, discardLogger())
	return &app{
		store:      db,
		dispatcher: dispatch.NewDispatcher(db, mgr, discardLogger(), dispatch.Options{}),
		logger:     discardLogger(),
	}
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return p
}

func readRows(t *testing.T, path string) []model.Row {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	var rows []model.Row
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r model.Row
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode row %q: %v", sc.Text(), err)
		}
		rows = append(rows, r)
	}
	return rows
}

func TestParseRunFlags(t *testing.T) {
	f, set, err := parseRunFlags([]string{"--input", "in.csv", "--concurrency", "8", "--timeout", "30s"})
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if f.input != "in.csv" || f.output != "-" {
		t.Errorf("input=%q output=%q", f.input, f.output)
	}

	cfg := config.Config{Concurrency: 5, Timeout: 2 * time.Minute, GracePeriod: 5 * time.Second, MaxRetries: 2}
	f.apply(&cfg, set)
	if cfg.Concurrency != 8 || cfg.Timeout != 30*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.GracePeriod != 5*time.Second || cfg.MaxRetries != 2 {
		t.Errorf("unset flags overrode config: %+v", cfg)
	}
}

func TestParseRunFlagsErrors(t *testing.T) {
	cases := map[string][]string{
		"missing input": {"--output", "out.csv"},
		"extra args":    {"--input", "in.csv", "stray"},
		"bad duration":  {"--input", "in.csv", "--timeout", "soon"},
		"resume stdout": {"--input", "in.csv", "--resume"},
		"resume s3":     {"--input", "in.csv", "--resume", "--output", "s3://bucket/rows.csv"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := parseRunFlags(args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
	if code := run(nil); code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestExecuteRunWritesRowsInInputOrder(t *testing.T) {
	a := newTestApp(t, func(_ context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		if spec.Domain == "broken.com" {
			return backend.TaskResult{}, errors.New("lookup failed")
		}
		return backend.TaskResult{Payload: json.RawMessage(`{"company_domain":"` + spec.Domain + `"}`)}, nil
	})
	in := writeInput(t, "domains.txt", "a.com\nbroken.com\n# skipped\nc.com\n")
	outPath := filepath.Join(t.TempDir(), "rows.jsonl")

	code := executeRun(context.Background(), func() {}, a, dispatch.Request{
		Source:      source.File{Path: in},
		Concurrency: 2,
		Timeout:     5 * time.Second,
	}, aggregate.Layout{}, &sink.File{Path: outPath, Encoder: sink.JSONL{}}, discardLogger())
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}

	rows := readRows(t, outPath)
	want := []string{"a.com", "broken.com", "c.com"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, d := range want {
		if rows[i].Position != i || rows[i].Domain != d {
			t.Errorf("row %d = %d/%s, want %d/%s", i, rows[i].Position, rows[i].Domain, i, d)
		}
	}
	if rows[1].Status != model.StatusFailed {
		t.Errorf("broken.com status = %s, want %s", rows[1].Status, model.StatusFailed)
	}
}

func TestExecuteRunCancelledOnInterrupt(t *testing.T) {
	started := make(chan struct{}, 1)
	a := newTestApp(t, func(ctx context.Context, _ backend.TaskSpec) (backend.TaskResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return backend.TaskResult{}, ctx.Err()
	})
	in := writeInput(t, "domains.txt", "a.com\nb.com\nc.com\n")
	outPath := filepath.Join(t.TempDir(), "rows.jsonl")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	code := executeRun(ctx, func() {}, a, dispatch.Request{
		Source:      source.File{Path: in},
		Concurrency: 1,
		Timeout:     time.Minute,
	}, aggregate.Layout{}, &sink.File{Path: outPath, Encoder: sink.JSONL{}}, discardLogger())
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}

	rows := readRows(t, outPath)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Status != model.StatusCancelled {
			t.Errorf("row %d status = %s, want %s", r.Position, r.Status, model.StatusCancelled)
		}
	}
}

func TestExecuteRunUnreadableInput(t *testing.T) {
	a := newTestApp(t, func(context.Context, backend.TaskSpec) (backend.TaskResult, error) {
		return backend.TaskResult{}, nil
	})
	code := executeRun(context.Background(), func() {}, a, dispatch.Request{
		Source:      source.File{Path: filepath.Join(t.TempDir(), "missing.csv")},
		Concurrency: 1,
		Timeout:     time.Second,
	}, aggregate.Layout{}, &sink.Writer{W: io.Discard, Encoder: sink.CSV{}, Name: "discard"}, discardLogger())
	if code != exitFatal {
		t.Errorf("exit code = %d, want %d", code, exitFatal)
	}
}

func TestExecuteRunResumeCarriesSucceededRows(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	a := newTestApp(t, func(_ context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
		mu.Lock()
		calls[spec.Domain]++
		n := calls[spec.Domain]
		mu.Unlock()
		if spec.Domain == "broken.com" && n == 1 {
			return backend.TaskResult{}, errors.New("lookup failed")
		}
		return backend.TaskResult{Payload: json.RawMessage(fmt.Sprintf(`{"email":"ceo@%s","attempt":%d}`, spec.Domain, n))}, nil
	})
	in := source.File{Path: writeInput(t, "companies.csv", "Company,domain\nAcme,a.com\nBroken,broken.com\nCyber,c.com\n")}
	outPath := filepath.Join(t.TempDir(), "rows.csv")
	out := &sink.File{Path: outPath, Encoder: sink.CSV{}}

	for range 2 {
		pending, layout, err := planInput(context.Background(), in, outPath, true, discardLogger())
		if err != nil {
			t.Fatalf("planInput: %v", err)
		}
		req := dispatch.Request{Source: pending, Concurrency: 2, Timeout: 5 * time.Second}
		if code := executeRun(context.Background(), func() {}, a, req, layout, out, discardLogger()); code != exitOK {
			t.Fatalf("exit code = %d", code)
		}
	}

	if calls["a.com"] != 1 || calls["c.com"] != 1 || calls["broken.com"] != 2 {
		t.Errorf("calls = %v, want succeeded domains run once", calls)
	}

	rows, err := sink.ReadFile(outPath, []string{"Company", "domain"})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := []struct{ company, domain string }{{"Acme", "a.com"}, {"Broken", "broken.com"}, {"Cyber", "c.com"}}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, w := range want {
		company, _ := rows[i].Input.Get("Company")
		if rows[i].Position != i || rows[i].Domain != w.domain || company != w.company {
			t.Errorf("row %d = %+v, want %s/%s", i, rows[i], w.company, w.domain)
		}
		if rows[i].Status != model.StatusSucceeded {
			t.Errorf("row %d status = %s", i, rows[i].Status)
		}
	}
	var first map[string]any
	if err := json.Unmarshal(rows[0].Payload, &first); err != nil || first["attempt"] != float64(1) {
		t.Errorf("a.com payload = %s, want the first run's row", rows[0].Payload)
	}
}

func TestStoreKind(t *testing.T) {
	cases := map[string]string{
		"":                          "memory",
		"memory":                    "memory",
		"postgres://u:p@db/forge":   "postgres",
		"postgresql://u:p@db/forge": "postgres",
		"forge.db":                  "sqlite:forge.db",
	}
	for dsn, want := range cases {
		if got := storeKind(dsn); got != want {
			t.Errorf("storeKind(%q) = %q, want %q", dsn, got, want)
		}
	}
}
