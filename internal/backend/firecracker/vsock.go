package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/vigil/internal/worker"
)

const (
	dialBaseBackoff = 50 * time.Millisecond
	dialMaxBackoff  = time.Second
)

// GuestConn wraps a connection to the guest agent inside a Firecracker microVM.
// One goroutine reads; writes may come from any goroutine.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake

	writeMu sync.Mutex
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge,
// retrying with capped exponential backoff until the agent answers or ctx is
// done. The guest needs a moment after boot before it listens, so callers
// bound ctx by the boot timeout.
//
// The deadline of ctx covers the handshake only. The returned connection
// has no deadline: how long a unit may run is decided by its supervisor.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	backoff := dialBaseBackoff
	attempts := 0

	for {
		attempts++
		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest after %d attempts: %w (last error: %v)", attempts, context.Cause(ctx), err)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, dialMaxBackoff)
	}
}

// dialVsockUDS connects to Firecracker's UDS and performs the CONNECT
// handshake: send "CONNECT <port>\n", receive "OK <host_port>\n". The
// buffered reader is kept for all later reads so bytes read ahead are not lost.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// send writes one frame to the guest.
func (gc *GuestConn) send(msg *worker.Message) error {
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()
	return worker.WriteMessage(gc.conn, msg)
}

// SendRequest sends the unit to run.
func (gc *GuestConn) SendRequest(req worker.Request) error {
	if err := gc.send(&worker.Message{Type: worker.MsgTypeRequest, Request: &req}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// SendStop asks the guest to stop the running unit with the given cause.
func (gc *GuestConn) SendStop(cause error) error {
	msg := &worker.Message{Type: worker.MsgTypeStop}
	if cause != nil {
		msg.Cause = cause.Error()
	}
	if err := gc.send(msg); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

// Run sends req and reads back streaming log lines and the final result.
// Each log line is passed to logWriter in real time.
func (gc *GuestConn) Run(req worker.Request, logWriter func(string)) (worker.Response, error) {
	if err := gc.SendRequest(req); err != nil {
		return worker.Response{}, err
	}
	return gc.readMessages(logWriter)
}

// readMessages reads frames from the connection in a loop.
// Log lines are delivered to logWriter; the final result message terminates the loop.
func (gc *GuestConn) readMessages(logWriter func(string)) (worker.Response, error) {
	for {
		var msg worker.Message
		if err := worker.ReadMessage(gc.reader, &msg); err != nil {
			return worker.Response{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case worker.MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case worker.MsgTypeResult:
			if msg.Response == nil {
				return worker.Response{}, fmt.Errorf("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return worker.Response{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
