// Command vigil-guest is the agent that runs inside Firecracker microVMs.
// It listens on vsock for unit requests from the host, runs each one and
// streams log lines and the result back over the same connection.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o vigil-guest ./cmd/vigil-guest
package main

import (
	"context"
	"os"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/vigil/internal/backend/firecracker"
	"github.com/seantiz/vigil/internal/config"
	"github.com/seantiz/vigil/internal/worker"
)

func main() {
	logger := config.NewLogger(os.Stderr, config.Load().LogLevel)

	worker.SetupInit(logger)

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("vigil-guest listening", "port", port)

	agent := worker.NewAgent(l, logger)
	if err := agent.Serve(context.Background()); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
