// Package events fans task transitions out to logs and a message bus.
package events

import (
	"log/slog"

	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/model"
)

// Logger writes each transition to a structured logger. Terminal
// transitions log at info, the rest at debug.
type Logger struct {
	logger *slog.Logger
}

// NewLogger returns an observer logging through logger.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With("component", "events")}
}

func (l *Logger) OnTaskTransition(ev model.TaskEvent) {
	attrs := []any{
		"run_id", ev.RunID,
		"position", ev.Position,
		"domain", ev.Domain,
		"from", ev.From,
		"to", ev.To,
	}
	if ev.WorkerID != "" {
		attrs = append(attrs, "worker_id", ev.WorkerID)
	}
	if ev.Failure != nil {
		attrs = append(attrs, "failure_kind", ev.Failure.Kind, "failure_cause", ev.Failure.Cause)
	}
	if model.IsTerminal(ev.To) {
		l.logger.Info("task transition", attrs...)
		return
	}
	l.logger.Debug("task transition", attrs...)
}

// Multi delivers every transition to each observer in order. Nil entries are
// skipped.
func Multi(observers ...dispatch.Observer) dispatch.Observer {
	var out multi
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multi []dispatch.Observer

func (m multi) OnTaskTransition(ev model.TaskEvent) {
	for _, o := range m {
		o.OnTaskTransition(ev)
	}
}
