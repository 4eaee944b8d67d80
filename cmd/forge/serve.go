package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/config"
)

func serveCommand(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default $"+config.EnvConfig+")")
	listen := fs.String("listen", "", "listen address (default from config, :8080)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge serve: %v\n", err)
		return exitUsage
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	logger := config.NewLogger(os.Stdout, cfg.Level())
	logger.Info("forge: starting",
		"listen_addr", cfg.ListenAddr,
		"concurrency", cfg.Concurrency,
		"timeout", cfg.Timeout.String(),
	)

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

	srv := api.NewServer(cfg.ListenAddr, a.store, a.registry, a.dispatcher, api.RunDefaults{
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		GracePeriod: cfg.GracePeriod,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return exitFatal
	}
	return exitOK
}
