package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/vigil/internal/api"
	"github.com/seantiz/vigil/internal/config"
	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/store"
)

const vmShutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		cfg := config.Load()
		logger := config.NewLogger(os.Stdout, cfg.LogLevel)

		logger.Info("vigil: starting",
			"listen_addr", cfg.ListenAddr,
			"db_path", cfg.DBPath,
			"warn_interval", cfg.WarnInterval,
			"escalate_after", cfg.EscalateAfter,
		)

		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		reg, vms, err := newRegistry(cfg, logger)
		if err != nil {
			return err
		}
		if vms != nil {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), vmShutdownTimeout)
				defer cancel()
				vms.Shutdown(ctx)
			}()
		}

		eng := engine.NewEngine(db, reg, logger, engine.Config{
			Timeout:     cfg.Timeout(),
			MaxParallel: cfg.MaxParallel,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return api.NewServer(cfg.ListenAddr, db, reg, eng, logger).Run(ctx)
	},
}
