package api

import (
	"net/http"

	"github.com/seantiz/forge/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats. Totals come from the
// store; active_runs and running_tasks are this process's live view.
type statsResponse struct {
	Runs          int            `json:"runs"`
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByFailure     map[string]int `json:"by_failure"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	ActiveRuns    int            `json:"active_runs"`
	RunningTasks  int            `json:"running_tasks"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Runs:          stats.Runs,
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByFailure:     stats.CountByFailure,
		AvgDurationMS: stats.AvgDurationMS,
	}
	for _, run := range s.dispatcher.Active() {
		resp.ActiveRuns++
		for _, t := range run.Tasks() {
			if t.Status == model.StatusRunning {
				resp.RunningTasks++
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
