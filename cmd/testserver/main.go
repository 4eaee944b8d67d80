// testserver starts a Forge API server backed by an in-process stub enricher
// for end-to-end testing. No worker binary or API key is needed.
//
// Domains select the stub's behaviour: "slow.*" takes several seconds,
// "fail.*" reports an error, "hang.*" runs until its timeout, and anything
// else returns one synthetic contact.
//
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/enrich"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

const stubBackendName = "stub"

func stubEnrich(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
	spec.Log("starting enrichment for domain " + spec.Domain)

	delay := 500 * time.Millisecond
	switch {
	case strings.HasPrefix(spec.Domain, "slow."):
		delay = 5 * time.Second
	case strings.HasPrefix(spec.Domain, "hang."):
		<-ctx.Done()
		return backend.TaskResult{}, ctx.Err()
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return backend.TaskResult{}, ctx.Err()
	}

	if strings.HasPrefix(spec.Domain, "fail.") {
		return backend.TaskResult{}, errors.New("stub: no search results")
	}

	name := strings.SplitN(spec.Domain, ".", 2)[0]
	contacts := []enrich.Contact{{
		FirstName:   "Ada",
		LastName:    "Lovelace",
		CompanyName: name,
		Email:       "ada@" + spec.Domain,
	}}
	spec.Log(fmt.Sprintf("new contacts found: %d", len(contacts)))

	payload, err := json.Marshal(enrich.Summarize(spec.Domain, contacts))
	if err != nil {
		return backend.TaskResult{}, err
	}
	return backend.TaskResult{Payload: payload}, nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("FORGE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db := store.NewMemoryStore()
	defer db.Close()

	stub := &backend.Func{Name: stubBackendName, Fn: stubEnrich}
	reg := backend.NewRegistry()
	reg.Register(stubBackendName, stub)

	mgr := worker.NewManager(stub, worker.Options{}, logger)
	d := dispatch.NewDispatcher(db, mgr, logger, dispatch.Options{})

	srv := api.NewServer(addr, db, reg, d, api.RunDefaults{
		Concurrency: 3,
		Timeout:     10 * time.Second,
		GracePeriod: time.Second,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
