package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/seantiz/forge/internal/model"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "forge.runs"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each transition as JSON on <prefix>.<run_id>.task.
// Publishing is asynchronous in the client; failures are logged and never
// reach the dispatcher.
type NATS struct {
	nc     *nats.Conn
	pub    publisher
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials url and returns a publishing observer.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("forge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	n := newNATS(nc, prefix, logger)
	n.nc = nc
	return n, nil
}

func newNATS(pub publisher, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "events"),
	}
}

// Subject returns the subject transitions of runID are published on.
func (n *NATS) Subject(runID string) string {
	return n.prefix + "." + subjectToken(runID) + ".task"
}

func (n *NATS) OnTaskTransition(ev model.TaskEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("encode task event", "run_id", ev.RunID, "error", err)
		return
	}
	if err := n.pub.Publish(n.Subject(ev.RunID), b); err != nil {
		n.logger.Warn("publish task event", "run_id", ev.RunID, "position", ev.Position, "error", err)
	}
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>':
			return '_'
		}
		return r
	}, s)
}
