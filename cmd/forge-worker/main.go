// Command forge-worker enriches a single company domain. It is started by the
// forge process backend, reports progress and its result as frames on stdout
// and writes diagnostics to stderr.
//
// The domain is the last argument, or FORGE_DOMAIN when no argument is given.
// Contacts are saved under CONTACT_DATA_PATH, defaulting to the working
// directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/backend/process"
	"github.com/seantiz/forge/internal/enrich"
	"github.com/seantiz/forge/internal/enrich/gemini"
)

const (
	envAPIKey   = "GEMINI_API_KEY"
	envModel    = "GEMINI_MODEL"
	envBaseURL  = "GEMINI_BASE_URL"
	envLogLevel = "FORGE_WORKER_LOG_LEVEL"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv(envLogLevel)); err == nil {
		log.SetLevel(lvl)
	}

	os.Exit(run(os.Args[1:], process.NewEmitter(os.Stdout), log))
}

func run(args []string, emitter *process.Emitter, log *logrus.Logger) int {
	domain := os.Getenv(process.EnvDomain)
	if len(args) > 0 {
		domain = args[len(args)-1]
	}
	entry := log.WithFields(logrus.Fields{
		"domain":    domain,
		"run_id":    os.Getenv(process.EnvRunID),
		"worker_id": os.Getenv(process.EnvWorkerID),
	})
	if domain == "" {
		return fail(emitter, entry, errors.New("no domain given"), false)
	}

	dir := os.Getenv(process.EnvContactDataPath)
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(emitter, entry, fmt.Errorf("working directory: %w", err), false)
		}
		dir = wd
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finder, err := gemini.New(ctx, gemini.Config{
		APIKey:  os.Getenv(envAPIKey),
		Model:   os.Getenv(envModel),
		BaseURL: os.Getenv(envBaseURL),
	})
	if err != nil {
		return fail(emitter, entry, fmt.Errorf("gemini client: %w", err), false)
	}

	logf := func(format string, args ...any) {
		if err := emitter.Log(fmt.Sprintf(format, args...)); err != nil {
			entry.WithError(err).Warn("emit log line")
		}
	}

	summary, err := enrich.Run(ctx, finder, domain, dir, logf)
	if err != nil {
		return fail(emitter, entry, err, backend.IsTransient(err))
	}
	if err := emitter.Succeed(summary); err != nil {
		entry.WithError(err).Error("emit result")
		return 1
	}
	entry.WithField("additional_contacts", summary.AdditionalContactsCount).Debug("enrichment finished")
	return 0
}

func fail(emitter *process.Emitter, entry *logrus.Entry, err error, transient bool) int {
	entry.WithError(err).WithField("transient", transient).Error("enrichment failed")
	if emitErr := emitter.Fail(err, transient); emitErr != nil {
		entry.WithError(emitErr).Error("emit result")
	}
	return 1
}
