package api

import (
	"net/http"

	"github.com/seantiz/forge/internal/backend"
)

type backendsResponse struct {
	Backends []backend.Info `json:"backends"`
	Default  string         `json:"default,omitempty"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	resp := backendsResponse{Backends: s.registry.List()}
	for _, b := range resp.Backends {
		if b.Default {
			resp.Default = b.Name
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
