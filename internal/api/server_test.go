package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/backend/inproc"
	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/timeout"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := backend.NewRegistry()
	reg.Register(model.IsolationShared, inproc.NewShared(logger))
	reg.Register(model.IsolationIsolate, inproc.NewIsolate(logger))

	eng := engine.NewEngine(s, reg, logger, engine.Config{
		Timeout: timeout.Config{WarnInterval: 50 * time.Millisecond, EscalateAfter: 2},
	})
	t.Cleanup(eng.Wait)

	return NewServer(":0", s, reg, eng, logger)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	// chi middleware.RequestID does not set X-Request-Id on the response by default,
	// but it sets it in the request context. Verify the middleware is active by
	// checking the request was processed successfully.
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET /v1/backends: %v", err)
	}
	defer resp.Body.Close()

	var body backendsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := body.AutoRouting[model.ActionSleep]; got != model.IsolationIsolate {
		t.Errorf("auto_routing[sleep] = %q, want %q", got, model.IsolationIsolate)
	}
	infos := body.Backends
	if len(infos) != 2 {
		t.Fatalf("got %d backends, want 2", len(infos))
	}
	if infos[0].Name != model.IsolationIsolate || infos[1].Name != model.IsolationShared {
		t.Errorf("backends = %s, %s; want isolate, shared", infos[0].Name, infos[1].Name)
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	counter := httpRequestsTotal.WithLabelValues("GET", "/v1/tasks/{id}/events", "4xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"missing-1", "missing-2"} {
		resp, err := http.Get(ts.URL + "/v1/tasks/" + id + "/events")
		if err != nil {
			t.Fatalf("GET events: %v", err)
		}
		resp.Body.Close()
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("requests counted under the route pattern = %v, want 2", got)
	}
}

func TestStatusClass(t *testing.T) {
	for status, want := range map[int]string{200: "2xx", 202: "2xx", 404: "4xx", 409: "4xx", 503: "5xx"} {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
