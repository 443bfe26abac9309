package worker_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/vtest"
	"github.com/seantiz/vigil/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostSide drives a session from the host end of conn.
type hostSide struct {
	t    *testing.T
	conn net.Conn
}

func (h hostSide) send(msg worker.Message) {
	h.t.Helper()
	require.NoError(h.t, worker.WriteMessage(h.conn, &msg))
}

// collect reads frames until the result frame arrives.
func (h hostSide) collect() ([]string, worker.Response) {
	h.t.Helper()
	var lines []string
	for {
		var msg worker.Message
		require.NoError(h.t, worker.ReadMessage(h.conn, &msg))
		switch msg.Type {
		case worker.MsgTypeLog:
			lines = append(lines, msg.Line)
		case worker.MsgTypeResult:
			require.NotNil(h.t, msg.Response)
			return lines, *msg.Response
		}
	}
}

func startSession(t *testing.T, ctx context.Context) (hostSide, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	done := make(chan error, 1)
	go func() { done <- worker.Serve(ctx, server, server, vtest.NewLogger(t)) }()
	return hostSide{t: t, conn: client}, done
}

func TestServe_echo(t *testing.T) {
	t.Parallel()

	h, done := startSession(t, context.Background())
	h.send(worker.Message{Type: worker.MsgTypeRequest, Request: &worker.Request{
		ID: "1", Name: "hello",
		Action: model.Action{Kind: model.ActionEcho, Lines: []string{"hello", "world"}},
	}})

	lines, resp := h.collect()
	require.NoError(t, vtest.ReceiveSoon(t, done))
	assert.Equal(t, []string{"hello", "world"}, lines)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "hello\nworld\n", resp.Output)
	assert.NoError(t, resp.Err())
}

func TestServe_fail(t *testing.T) {
	t.Parallel()

	h, _ := startSession(t, context.Background())
	h.send(worker.Message{Type: worker.MsgTypeRequest, Request: &worker.Request{
		ID: "2", Name: "broken",
		Action: model.Action{Kind: model.ActionFail, Message: "compilation failed"},
	}})

	_, resp := h.collect()
	assert.Equal(t, 1, resp.ExitCode)
	assert.Equal(t, "compilation failed", resp.Error)
	assert.False(t, resp.TimedOut)
}

func TestServe_stopFrameCarriesTimeout(t *testing.T) {
	t.Parallel()

	h, _ := startSession(t, context.Background())
	h.send(worker.Message{Type: worker.MsgTypeRequest, Request: &worker.Request{
		ID: "3", Name: "block",
		Action: model.Action{Kind: model.ActionSleep, DurationMS: 60_000},
	}})

	start := time.Now()
	go func() {
		time.Sleep(vtest.ScaleMs(20))
		_ = worker.WriteMessage(h.conn, &worker.Message{Type: worker.MsgTypeStop, Cause: "Timeout has been exceeded"})
	}()

	_, resp := h.collect()
	assert.True(t, resp.TimedOut)
	assert.Equal(t, "Timeout has been exceeded", resp.Error)
	assert.Less(t, time.Since(start), vtest.ScaleMs(5000))
}

func TestServe_contextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	h, _ := startSession(t, ctx)
	h.send(worker.Message{Type: worker.MsgTypeRequest, Request: &worker.Request{
		ID: "4", Name: "block",
		Action: model.Action{Kind: model.ActionSleep, DurationMS: 60_000},
	}})

	cancel(worker.ErrTerminated)
	_, resp := h.collect()
	assert.False(t, resp.TimedOut)
	assert.Equal(t, worker.ErrTerminated.Error(), resp.Error)
}

func TestServe_rejectsNonRequestFirstFrame(t *testing.T) {
	t.Parallel()

	h, done := startSession(t, context.Background())
	h.send(worker.Message{Type: worker.MsgTypeStop})

	_, resp := h.collect()
	assert.Equal(t, 1, resp.ExitCode)
	assert.Contains(t, resp.Error, "expected request frame")
	assert.Error(t, vtest.ReceiveSoon(t, done))
}

func TestAgent_servesConnections(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	agent := worker.NewAgent(l, vtest.NewLogger(t))
	go func() { _ = agent.Serve(context.Background()) }()

	for i := range 2 {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		h := hostSide{t: t, conn: conn}
		h.send(worker.Message{Type: worker.MsgTypeRequest, Request: &worker.Request{
			ID: "a", Name: "echo",
			Action: model.Action{Kind: model.ActionEcho, Lines: []string{"ping"}},
		}})
		lines, resp := h.collect()
		assert.Equal(t, []string{"ping"}, lines, "connection %d", i)
		assert.Equal(t, 0, resp.ExitCode)
		conn.Close()
	}
}
