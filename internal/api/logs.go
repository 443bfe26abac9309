package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
)

// sseKeepAlive is how often an idle log stream sends a comment line, so
// proxies do not close it while a task sleeps.
const sseKeepAlive = 15 * time.Second

// handleStreamLogs streams a task's log lines and timeout events as
// server-sent events. Log lines are unnamed events, timeout events are named
// "timeout", and the stream ends with a "done" event carrying the task's
// final status. A task that already finished gets the "done" event only.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}
	sse := &sseWriter{w: w, rc: rc}

	if model.IsTerminal(t.Status) {
		w.WriteHeader(http.StatusOK)
		_ = sse.event("done", t.Status)
		return
	}

	// A task finishing between the status check and Subscribe leaves a closed
	// topic, so the loop below exits at once.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case entry, ok := <-ch:
			if !ok {
				_ = sse.event("done", s.finalStatus(r, id))
				return
			}
			if entry.Kind == engine.EntryTimeout {
				err = sse.event(engine.EntryTimeout, entry.Text)
			} else {
				err = sse.event("", entry.Text)
			}
		case <-keepAlive.C:
			err = sse.comment("keep-alive")
		case <-r.Context().Done():
			return
		}
		if err != nil {
			return // client gone
		}
	}
}

// finalStatus reads a task's status once its stream has closed.
func (s *Server) finalStatus(r *http.Request, id string) string {
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Warn("read final task status", "task_id", id, "error", err)
		return "unknown"
	}
	return t.Status
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/tasks/:id/logs/history.
type logHistoryResponse struct {
	TaskID string           `json:"task_id"`
	Lines  []logHistoryLine `json:"lines"`
}

// eventsResponse is the JSON response for GET /v1/tasks/:id/events.
type eventsResponse struct {
	TaskID string         `json:"task_id"`
	Events []model.Event `json:"events"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := s.lookupTask(w, r); !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.writeJSON(w, http.StatusOK, eventsResponse{TaskID: id, Events: events})
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := s.lookupTask(w, r); !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
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
		TaskID: id,
		Lines:  lines,
	})
}

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

// event writes one event. An empty name writes an unnamed event. Each line
// of a multi-line data string gets its own "data:" field.
func (s *sseWriter) event(name, data string) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for seg := range strings.SplitSeq(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", seg)
	}
	b.WriteString("\n")
	return s.write(b.String())
}

func (s *sseWriter) comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *sseWriter) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	return s.rc.Flush()
}
