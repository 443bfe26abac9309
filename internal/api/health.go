package api

import (
	"net/http"
)

type healthResponse struct {
	Status      string   `json:"status"`
	Backends    []string `json:"backends"`
	ActiveTasks int      `json:"active_tasks"`
}

// handleHealthz reports liveness. A server without any registered backend
// cannot run anything and answers 503.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Backends:    s.registry.Names(),
		ActiveTasks: s.engine.Active(),
	}
	status := http.StatusOK
	if len(resp.Backends) == 0 {
		resp.Status = "no backends"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
