package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/dispatch"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sink"
	"github.com/seantiz/forge/internal/source"
	"github.com/seantiz/forge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	RunID       string   `json:"run_id"`
	Domains     []string `json:"domains"`
	Concurrency *int     `json:"concurrency"`
	TimeoutS    *int     `json:"timeout_s"`
	GraceS      *int     `json:"grace_s"`
}

// runResponse is a run with its live task view when the run is held in
// memory.
type runResponse struct {
	*model.Run
	Summary dispatch.Summary  `json:"summary"`
	Tasks   []model.TaskState `json:"tasks,omitempty"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// rowsResponse is the JSON response for GET /v1/runs/{id}/rows.
type rowsResponse struct {
	RunID string      `json:"run_id"`
	Rows  []model.Row `json:"rows"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Domains == nil {
		s.writeError(w, http.StatusBadRequest, "domains is required")
		return
	}
	for i, d := range req.Domains {
		req.Domains[i] = strings.TrimSpace(d)
		if req.Domains[i] == "" {
			s.writeError(w, http.StatusBadRequest, "domains["+strconv.Itoa(i)+"] is empty")
			return
		}
	}

	dreq := dispatch.Request{
		RunID:       req.RunID,
		Source:      source.Slice(req.Domains),
		Concurrency: s.defaults.Concurrency,
		Timeout:     s.defaults.Timeout,
		GracePeriod: s.defaults.GracePeriod,
	}
	if req.Concurrency != nil {
		dreq.Concurrency = *req.Concurrency
	}
	if req.TimeoutS != nil {
		if *req.TimeoutS <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout_s must be positive")
			return
		}
		dreq.Timeout = time.Duration(*req.TimeoutS) * time.Second
	}
	if req.GraceS != nil {
		if *req.GraceS < 0 {
			s.writeError(w, http.StatusBadRequest, "grace_s must not be negative")
			return
		}
		dreq.GracePeriod = time.Duration(*req.GraceS) * time.Second
	}

	run, err := s.dispatcher.Submit(r.Context(), dreq)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrInvalidConcurrency), errors.Is(err, dispatch.ErrInvalidRunID):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, "run already exists")
		return
	case errors.Is(err, dispatch.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, liveRunResponse(run))
}

func liveRunResponse(run *dispatch.Run) runResponse {
	m := run.Model()
	return runResponse{Run: &m, Summary: run.Summary(), Tasks: run.Tasks()}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if run, ok := s.dispatcher.Get(id); ok {
		s.writeJSON(w, http.StatusOK, liveRunResponse(run))
		return
	}

	m, ok := s.lookupRun(w, r, id)
	if !ok {
		return
	}
	records, err := s.store.GetResults(r.Context(), id)
	if err != nil {
		s.logger.Error("get results", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get results")
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{Run: m, Summary: summarize(len(m.Domains), records)})
}

// summarize counts stored records for a run no longer held in memory.
func summarize(total int, records []*model.Record) dispatch.Summary {
	sum := dispatch.Summary{Total: total}
	for _, rec := range records {
		switch rec.Status {
		case model.StatusSucceeded:
			sum.Succeeded++
		case model.StatusFailed:
			sum.Failed++
		case model.StatusTimedOut:
			sum.TimedOut++
		case model.StatusCrashed:
			sum.Crashed++
		case model.StatusCancelled:
			sum.Cancelled++
		}
	}
	return sum
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, ok := s.dispatcher.Get(id)
	if !ok {
		if _, found := s.lookupRun(w, r, id); found {
			s.writeError(w, http.StatusConflict, "run already finished")
		}
		return
	}

	select {
	case <-run.Done():
		s.writeError(w, http.StatusConflict, "run already finished")
		return
	default:
	}

	run.Cancel()
	s.writeJSON(w, http.StatusAccepted, liveRunResponse(run))
}

func (s *Server) handleGetRows(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, ok := s.lookupRun(w, r, id)
	if !ok {
		return
	}
	if m.Status == model.RunStatusRunning {
		s.writeError(w, http.StatusConflict, "run still running")
		return
	}

	rows, err := s.aggregator.Aggregate(r.Context(), m)
	if err != nil {
		s.logger.Error("aggregate run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to aggregate rows")
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		enc := sink.CSV{}
		w.Header().Set("Content-Type", enc.ContentType())
		w.WriteHeader(http.StatusOK)
		if err := enc.Encode(w, rows); err != nil {
			s.logger.Error("encode csv rows", "run_id", id, "error", err)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, rowsResponse{RunID: id, Rows: rows})
}

// lookupRun loads a run from the store, writing the error response when it
// cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request, id string) (*model.Run, bool) {
	m, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return m, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
