package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/timeout"
	"github.com/seantiz/vigil/internal/unit"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// taskRequest is the JSON body for POST /v1/tasks and one entry of a build.
type taskRequest struct {
	Name      string       `json:"name"`
	Isolation string       `json:"isolation"`
	Action    model.Action `json:"action"`
	DependsOn []string     `json:"depends_on"`

	// Timeout is a Go duration such as "30s". Empty means unbounded.
	Timeout string `json:"timeout"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// task validates req and converts it to a task ready for the engine.
func (s *Server) task(req taskRequest) (*model.Task, error) {
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	if err := unit.Validate(req.Action); err != nil {
		return nil, err
	}
	if _, _, err := s.registry.Resolve(req.Isolation, req.Action.Kind); err != nil {
		return nil, err
	}

	t := &model.Task{
		Name:      req.Name,
		Isolation: req.Isolation,
		Action:    req.Action,
		DependsOn: req.DependsOn,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		if err := timeout.Validate(timeout.Spec{UnitID: req.Name, Duration: &d}); err != nil {
			return nil, err
		}
		t.SetTimeout(d)
	}
	return t, nil
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := s.task(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Submit(r.Context(), t); err != nil {
		if errors.Is(err, engine.ErrUnknownDependency) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelTask stops a pending or running task. A task that already
// finished is returned unchanged with 409.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			s.writeJSON(w, http.StatusConflict, t)
			return
		}
		s.logger.Error("cancel task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

// lookupTask loads the task named by the {id} URL parameter, writing the
// error response itself when it cannot.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return nil, false
	}
	return t, true
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
