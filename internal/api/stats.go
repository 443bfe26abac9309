package api

import (
	"net/http"

	"github.com/seantiz/vigil/internal/model"
)

type statsResponse struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	ByStatus    map[string]int `json:"by_status"`
	ByIsolation map[string]int `json:"by_isolation"`

	// TimedOut counts failed tasks whose cause was an exceeded timeout;
	// TimeoutRate is that count over all finished tasks.
	TimedOut    int     `json:"timed_out"`
	TimeoutRate float64 `json:"timeout_rate"`

	AvgDurationMS float64 `json:"avg_duration_ms"`
}

var allStatuses = []string{
	model.StatusPending,
	model.StatusRunning,
	model.StatusCompleted,
	model.StatusFailed,
	model.StatusSkipped,
	model.StatusKilled,
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	byStatus := make(map[string]int, len(allStatuses))
	for _, st := range allStatuses {
		byStatus[st] = stats.CountByStatus[st]
	}

	resp := statsResponse{
		Total:         stats.Total,
		Active:        s.engine.Active(),
		ByStatus:      byStatus,
		ByIsolation:   stats.CountByIsolation,
		TimedOut:      stats.TimedOut,
		AvgDurationMS: stats.AvgDurationMS,
	}
	if finished := stats.Total - byStatus[model.StatusPending] - byStatus[model.StatusRunning]; finished > 0 {
		resp.TimeoutRate = float64(stats.TimedOut) / float64(finished)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
