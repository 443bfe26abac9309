package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readSSE parses every event in r until EOF. Consecutive "data:" lines form
// one event; a blank line ends it.
func readSSE(r io.Reader) []sseEvent {
	var (
		events []sseEvent
		name   string
		data   []string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && len(data) > 0:
			events = append(events, sseEvent{name: name, data: strings.Join(data, "\n")})
			name, data = "", nil
		}
	}
	return events
}

func createPendingTask(t *testing.T, srv *Server) *model.Task {
	t.Helper()
	tk := &model.Task{
		ID:        model.NewID(),
		Name:      "compile",
		Status:    model.StatusPending,
		Isolation: model.IsolationIsolate,
		Action:    model.Action{Kind: model.ActionEcho},
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func openStream(t *testing.T, url string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	return resp
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsCompletedTask(t *testing.T) {
	srv := newTestServer(t)
	tk := createPendingTask(t, srv)

	if err := srv.store.UpdateTaskStatus(context.Background(), tk.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	if err := srv.store.UpdateTaskStatus(context.Background(), tk.ID, model.StatusCompleted); err != nil {
		t.Fatalf("running→completed: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + tk.ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readSSE(resp.Body)
	want := []sseEvent{{name: "done", data: model.StatusCompleted}}
	if len(events) != 1 || events[0] != want[0] {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)
	tk := createPendingTask(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openStream(t, ts.URL+"/v1/tasks/"+tk.ID+"/logs")

	broker := srv.engine.Broker()
	broker.Publish(tk.ID, "hello world")
	broker.PublishEvent(tk.ID, timeout.RequestingStopMessage("compile", time.Second))
	broker.Publish(tk.ID, "goodbye")
	broker.Close(tk.ID)

	events := readSSE(resp.Body)
	want := []sseEvent{
		{data: "hello world"},
		{name: engine.EntryTimeout, data: timeout.RequestingStopMessage("compile", time.Second)},
		{data: "goodbye"},
		{name: "done", data: model.StatusPending},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)
	tk := createPendingTask(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openStream(t, ts.URL+"/v1/tasks/"+tk.ID+"/logs")

	// A multi-line entry such as a stack trace stays one event.
	broker := srv.engine.Broker()
	broker.Publish(tk.ID, "error: something failed\n  at main.go:42\n  at handler.go:10")
	broker.Close(tk.ID)

	events := readSSE(resp.Body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}

	want := "error: something failed\n  at main.go:42\n  at handler.go:10"
	if events[0].data != want {
		t.Errorf("event = %q, want %q", events[0].data, want)
	}
}

func TestStreamLogsReportsFinalStatus(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tk := &model.Task{
		Name:      "lint",
		Isolation: model.IsolationShared,
		Action:    model.Action{Kind: model.ActionFail, Message: "lint errors"},
	}
	// The task may finish before or after the stream opens; either way the
	// stream ends with its final status.
	if err := srv.engine.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp := openStream(t, ts.URL+"/v1/tasks/"+tk.ID+"/logs")
	events := readSSE(resp.Body)
	if len(events) == 0 {
		t.Fatal("got no events")
	}
	last := events[len(events)-1]
	if last.name != "done" || last.data != model.StatusFailed {
		t.Errorf("last event = %+v, want done with %q", last, model.StatusFailed)
	}
}

func TestGetLogHistory(t *testing.T) {
	srv := newTestServer(t)
	tk := createPendingTask(t, srv)

	ctx := context.Background()
	for i, line := range []string{"first", "second"} {
		if err := srv.store.InsertLogLine(ctx, tk.ID, i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + tk.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var hist logHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hist.TaskID != tk.ID {
		t.Errorf("task_id = %q, want %q", hist.TaskID, tk.ID)
	}
	if len(hist.Lines) != 2 || hist.Lines[0].Line != "first" || hist.Lines[1].Seq != 1 {
		t.Errorf("lines = %+v", hist.Lines)
	}
}

func TestListEvents(t *testing.T) {
	srv := newTestServer(t)
	tk := createPendingTask(t, srv)

	ev := &model.Event{
		TaskID:    tk.ID,
		Category:  model.EventCategoryTimeout,
		Message:   timeout.HasStoppedMessage("compile"),
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + tk.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(got.Events))
	}
	if got.Events[0].Category != model.EventCategoryTimeout || got.Events[0].Message != ev.Message {
		t.Errorf("event = %+v", got.Events[0])
	}
}
