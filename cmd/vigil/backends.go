package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/seantiz/vigil/internal/backend"
	fc "github.com/seantiz/vigil/internal/backend/firecracker"
	"github.com/seantiz/vigil/internal/backend/inproc"
	"github.com/seantiz/vigil/internal/backend/process"
	"github.com/seantiz/vigil/internal/config"
	"github.com/seantiz/vigil/internal/model"
)

// newRegistry registers every backend available on this host. The
// firecracker backend is added only when its kernel and binary are
// configured and present.
func newRegistry(cfg config.Config, logger *slog.Logger) (*backend.Registry, *fc.Backend, error) {
	reg := backend.NewRegistry()
	reg.Register(model.IsolationShared, inproc.NewShared(logger))
	reg.Register(model.IsolationIsolate, inproc.NewIsolate(logger))

	bin := cfg.WorkerBin
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate worker binary: %w", err)
		}
		bin = self
	}
	reg.Register(model.IsolationProcess, process.New(logger, process.Config{
		WorkerBin:  bin,
		WorkerArgs: []string{"worker"},
	}))

	fcCfg := fc.LoadConfig()
	if !fcCfg.Enabled() {
		logger.Info("firecracker backend disabled")
		return reg, nil, nil
	}
	fcb := fc.NewBackend(fcCfg, logger)
	if err := fcb.Verify(); err != nil {
		logger.Warn("firecracker backend unavailable", "error", err)
		return reg, nil, nil
	}
	reg.Register(model.IsolationMicroVM, fcb)
	return reg, fcb, nil
}
