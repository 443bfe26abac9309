package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
)

// buildRequest is the JSON body for POST /v1/builds.
type buildRequest struct {
	Tasks             []taskRequest `json:"tasks"`
	ContinueOnFailure bool          `json:"continue_on_failure"`
	MaxParallel       int           `json:"max_parallel"`
}

type outcomeResponse struct {
	TaskID      string `json:"task_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	Description string `json:"description,omitempty"`
	Cause       string `json:"cause,omitempty"`
	DurationMS  int    `json:"duration_ms"`
}

type buildResponse struct {
	BuildID   string            `json:"build_id"`
	Succeeded bool              `json:"succeeded"`
	Outcomes  []outcomeResponse `json:"outcomes"`
}

// handleRunBuild runs a build to completion and reports every outcome. The
// response is 200 even when tasks failed; clients check "succeeded".
func (s *Server) handleRunBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tasks := make([]*model.Task, len(req.Tasks))
	for i, tr := range req.Tasks {
		t, err := s.task(tr)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("task %d: %v", i, err))
			return
		}
		tasks[i] = t
	}

	// A build runs as long as its slowest chain of tasks.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for build", "error", err)
	}

	res, err := s.engine.RunBuild(r.Context(), tasks, engine.RunOptions{
		ContinueOnFailure: req.ContinueOnFailure,
		MaxParallel:       req.MaxParallel,
	})
	if err != nil {
		if isGraphError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("run build", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run build")
		return
	}

	resp := buildResponse{
		BuildID:   res.BuildID,
		Succeeded: res.Succeeded(),
		Outcomes:  make([]outcomeResponse, len(res.Outcomes)),
	}
	for i, o := range res.Outcomes {
		or := outcomeResponse{
			TaskID:     o.TaskID,
			Name:       o.Name,
			Status:     o.Status,
			TimedOut:   o.TimedOut(),
			DurationMS: o.DurationMS,
		}
		if o.Failure != nil {
			or.Description = o.Failure.Description
			or.Cause = o.Failure.Cause.Error()
		}
		resp.Outcomes[i] = or
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func isGraphError(err error) bool {
	for _, target := range []error{
		engine.ErrNoTasks,
		engine.ErrUnnamedTask,
		engine.ErrDuplicateTask,
		engine.ErrUnknownDependency,
		engine.ErrDependencyCycle,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
