package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/model"
)

const sseContentType = "text/event-stream"

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id, pos, ok := s.taskParams(w, r)
	if !ok {
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", sseContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Tasks of runs no longer held in memory are finished; there is nothing
	// left to stream.
	run, live := s.dispatcher.Get(id)
	if !live || model.IsTerminal(run.Tasks()[pos].Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A task finishing between the check above and Subscribe is fine: a
	// closed topic yields a closed channel and the loop exits at once.
	ch, unsub := s.dispatcher.Broker().Subscribe(dispatch.TaskTopic(id, pos))
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for
// GET /v1/runs/{id}/tasks/{position}/logs/history.
type logHistoryResponse struct {
	RunID    string           `json:"run_id"`
	Position int              `json:"position"`
	Lines    []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id, pos, ok := s.taskParams(w, r)
	if !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id, pos)
	if err != nil {
		s.logger.Error("get log lines", "run_id", id, "position", pos, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		RunID:    id,
		Position: pos,
		Lines:    lines,
	})
}

// taskParams resolves the run id and task position of a task route.
func (s *Server) taskParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	id := chi.URLParam(r, "id")
	m, ok := s.lookupRun(w, r, id)
	if !ok {
		return "", 0, false
	}
	pos, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || pos < 0 || pos >= len(m.Domains) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return "", 0, false
	}
	return id, pos, true
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
