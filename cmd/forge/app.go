package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/backend/process"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/sink"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

// app holds the wired engine shared by the run and serve commands.
type app struct {
	store      store.Store
	registry   *backend.Registry
	workers    *process.Backend
	dispatcher *dispatch.Dispatcher
	nats       *events.NATS
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := store.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pb, err := process.NewBackend(process.Config{
		Command:     cfg.Worker.Command,
		Args:        cfg.Worker.Args,
		Env:         cfg.Worker.Env,
		GracePeriod: cfg.GracePeriod,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("worker backend: %w", err)
	}

	reg := backend.NewRegistry()
	reg.Register(process.BackendName, pb)

	a := &app{store: db, registry: reg, workers: pb, logger: logger}

	observers := []dispatch.Observer{events.NewLogger(logger)}
	if cfg.NATS.URL != "" {
		n, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Prefix, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.nats = n
		observers = append(observers, n)
	}

	mgr := worker.NewManager(pb, worker.Options{
		WorkDir:      cfg.WorkDir,
		KeepScratch:  cfg.KeepScratch,
		MaxRetries:   cfg.MaxRetries,
		RateLimitRPS: cfg.RateLimitRPS,
	}, logger)

	a.dispatcher = dispatch.NewDispatcher(db, mgr, logger, dispatch.Options{
		Observer: events.Multi(observers...),
	})

	logger.Info("engine ready",
		"store", storeKind(cfg.DBDSN),
		"worker", cfg.Worker.Command,
		"nats", cfg.NATS.URL != "",
	)
	return a, nil
}

// Close stops any remaining workers and releases connections.
func (a *app) Close(ctx context.Context) {
	a.workers.Shutdown(ctx)
	if a.nats != nil {
		a.nats.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

func objectStoreConfig(cfg config.Config) sink.ObjectStoreConfig {
	return sink.ObjectStoreConfig{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Region:    cfg.ObjectStore.Region,
		UseSSL:    cfg.ObjectStore.UseSSL,
	}
}

// storeKind names the store backend without leaking credentials from a DSN.
func storeKind(dsn string) string {
	switch {
	case dsn == "" || dsn == "memory":
		return "memory"
	case strings.HasPrefix(dsn, "postgres"):
		return "postgres"
	default:
		return "sqlite:" + dsn
	}
}
