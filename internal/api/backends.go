package api

import (
	"net/http"

	"github.com/seantiz/vigil/internal/backend"
)

type backendsResponse struct {
	Backends []backend.BackendInfo `json:"backends"`

	// AutoRouting maps each action kind to the isolation it runs under
	// when a task asks for "auto".
	AutoRouting map[string]string `json:"auto_routing"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, backendsResponse{
		Backends:    s.registry.List(),
		AutoRouting: backend.AutoRouting(),
	})
}
