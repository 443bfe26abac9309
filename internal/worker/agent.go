package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// Agent serves sessions on every connection accepted from a listener. It is
// the microVM guest side of the firecracker backend.
type Agent struct {
	listener net.Listener
	log      *slog.Logger
}

// NewAgent creates a guest agent for the given listener.
func NewAgent(listener net.Listener, log *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		log:      log,
	}
}

// Serve accepts connections and runs one session per connection. It blocks
// until the listener is closed or an unrecoverable error occurs.
func (a *Agent) Serve(ctx context.Context) error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(ctx, conn)
	}
}

func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if err := Serve(ctx, conn, conn, a.log); err != nil {
		a.log.Warn("session failed", "remote", conn.RemoteAddr().String(), "error", err)
	}
}
