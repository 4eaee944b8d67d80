package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/forge/internal/aggregate"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/sink"
	"github.com/seantiz/forge/internal/source"
)

const flushTimeout = 2 * time.Minute

// runFlags are the command-line overrides for one batch run.
type runFlags struct {
	input       string
	column      string
	output      string
	configPath  string
	runID       string
	concurrency int
	timeout     time.Duration
	grace       time.Duration
	retries     int
	resume      bool
}

func parseRunFlags(args []string) (runFlags, map[string]bool, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.input, "input", "", "domain list: .csv with a header row, or one domain per line (required)")
	fs.StringVar(&f.column, "column", "", "CSV column holding domains (default: auto-detect)")
	fs.StringVar(&f.output, "output", "-", "output path: - for stdout, .jsonl for JSON lines, s3://bucket/key for object storage, otherwise CSV")
	fs.StringVar(&f.configPath, "config", "", "YAML config file (default $"+config.EnvConfig+")")
	fs.StringVar(&f.runID, "run-id", "", "run id (default: generated)")
	fs.IntVar(&f.concurrency, "concurrency", config.DefaultConcurrency, "maximum concurrently running workers")
	fs.DurationVar(&f.timeout, "timeout", config.DefaultTimeout, "per-domain timeout")
	fs.DurationVar(&f.grace, "grace", config.DefaultGracePeriod, "time a worker may take to stop after cancellation")
	fs.IntVar(&f.retries, "retries", 0, "extra attempts after a transient worker failure")
	fs.BoolVar(&f.resume, "resume", false, "keep succeeded rows of an existing --output file and only run the remaining domains")
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	if fs.NArg() > 0 {
		return f, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if f.input == "" {
		return f, nil, errors.New("--input is required")
	}
	if f.resume && (f.output == "" || f.output == "-" || strings.HasPrefix(f.output, "s3://")) {
		return f, nil, errors.New("--resume needs a local --output file")
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// apply overlays explicitly set flags onto cfg.
func (f runFlags) apply(cfg *config.Config, set map[string]bool) {
	if set["concurrency"] {
		cfg.Concurrency = f.concurrency
	}
	if set["timeout"] {
		cfg.Timeout = f.timeout
	}
	if set["grace"] {
		cfg.GracePeriod = f.grace
	}
	if set["retries"] {
		cfg.MaxRetries = f.retries
	}
}

func runCommand(args []string) int {
	f, set, err := parseRunFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "forge run: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge run: %v\n", err)
		return exitUsage
	}
	f.apply(&cfg, set)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "forge run: %v\n", err)
		return exitUsage
	}

	// Rows may go to stdout, so logs never do.
	logger := config.NewLogger(os.Stderr, cfg.Level())

	out, err := sink.ForPath(f.output, objectStoreConfig(cfg))
	if err != nil {
		logger.Error("invalid output", "output", f.output, "error", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("start engine", "error", err)
		return exitFatal
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	pending, layout, err := planInput(ctx, source.File{Path: f.input, Column: f.column}, f.output, f.resume, logger)
	if err != nil {
		logger.Error("read input", "input", f.input, "error", err)
		return exitFatal
	}

	return executeRun(ctx, stop, a, dispatch.Request{
		RunID:       f.runID,
		Source:      pending,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		GracePeriod: cfg.GracePeriod,
	}, layout, out, logger)
}

// planInput reads the input once and returns the domains to run with the
// layout that maps their rows back onto it. With resume, the succeeded rows
// of the existing output are carried over and only the other domains run.
func planInput(ctx context.Context, in source.File, output string, resume bool, logger *slog.Logger) (source.Inputs, aggregate.Layout, error) {
	inputs, err := in.Inputs(ctx)
	if err != nil {
		return nil, aggregate.Layout{}, err
	}
	layout := aggregate.Layout{Inputs: inputs}
	if !resume {
		return inputs, layout, nil
	}

	var columns []string
	if len(inputs) > 0 {
		for _, fl := range inputs[0].Fields {
			columns = append(columns, fl.Name)
		}
	}
	prior, err := sink.ReadFile(output, columns)
	if err != nil {
		return nil, aggregate.Layout{}, err
	}
	layout.Carried = aggregate.Carry(prior)
	pending := layout.Carried.Pending(inputs)
	logger.Info("resuming from previous output",
		"output", output,
		"carried", len(inputs)-len(pending),
		"pending", len(pending),
	)
	return pending, layout, nil
}

// executeRun submits req, cancels the run when ctx is done, then flushes the
// aggregated rows, laid out by layout, to out. stop restores default signal
// handling so a second interrupt terminates the process.
func executeRun(ctx context.Context, stop context.CancelFunc, a *app, req dispatch.Request, layout aggregate.Layout, out sink.Sink, logger *slog.Logger) int {
	run, err := a.dispatcher.Submit(ctx, req)
	if err != nil {
		logger.Error("submit run", "error", err)
		return exitFatal
	}
	logger.Info("run started", "run_id", run.ID(), "domains", run.Summary().Total, "output", out.String())

	select {
	case <-run.Done():
	case <-ctx.Done():
		stop()
		logger.Warn("interrupted, cancelling run", "run_id", run.ID())
		run.Cancel()
		<-run.Done()
	}

	summary, runErr := run.Wait(context.Background())
	if runErr != nil {
		logger.Error("run aborted", "run_id", run.ID(), "error", runErr)
	}

	m := run.Model()
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	rows, err := aggregate.New(a.store, logger).Flush(flushCtx, &m, out, layout)
	if err != nil {
		logger.Error("write rows", "run_id", run.ID(), "output", out.String(), "error", err)
		return exitFatal
	}

	logger.Info("run complete",
		"run_id", run.ID(),
		"status", m.Status,
		"rows", len(rows),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"timed_out", summary.TimedOut,
		"crashed", summary.Crashed,
		"cancelled", summary.Cancelled,
	)
	if runErr != nil {
		return exitFatal
	}
	return exitOK
}
