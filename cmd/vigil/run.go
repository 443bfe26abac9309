package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/vigil/internal/buildfile"
	"github.com/seantiz/vigil/internal/config"
	"github.com/seantiz/vigil/internal/engine"
	"github.com/seantiz/vigil/internal/store"
)

var runFlags struct {
	continueOnFailure bool
	warnInterval      time.Duration
	escalateAfter     int
	maxParallel       int
	dbPath            string
}

var runCmd = &cobra.Command{
	Use:   "run <build.yaml>",
	Short: "Run a build file and report the outcome of every task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := buildfile.Load(args[0])
		if err != nil {
			return err
		}

		cfg := config.Load()
		flags := cmd.Flags()
		if flags.Changed("warn-interval") {
			cfg.WarnInterval = runFlags.warnInterval
		}
		if flags.Changed("escalate-after") {
			cfg.EscalateAfter = runFlags.escalateAfter
		}
		opts := engine.RunOptions{
			ContinueOnFailure: f.ContinueOnFailure || runFlags.continueOnFailure,
			MaxParallel:       f.MaxParallel,
		}
		if flags.Changed("max-parallel") {
			opts.MaxParallel = runFlags.maxParallel
		}

		logger := config.NewLogger(os.Stderr, cfg.LogLevel)

		db, err := store.NewSQLiteStore(runFlags.dbPath)
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

		res, err := eng.RunBuild(ctx, f.ModelTasks(), opts)
		if err != nil {
			return err
		}

		printResult(cmd.OutOrStdout(), res)
		if failures := res.Failures(); len(failures) > 0 {
			return fmt.Errorf("build failed: %d of %d tasks failed", len(failures), len(res.Outcomes))
		}
		return nil
	},
}

func init() {
	flags := runCmd.Flags()
	flags.BoolVar(&runFlags.continueOnFailure, "continue", false, "keep running independent tasks after a failure")
	flags.DurationVar(&runFlags.warnInterval, "warn-interval", 0, "interval between warnings about a timed-out task that has not stopped")
	flags.IntVar(&runFlags.escalateAfter, "escalate-after", 0, "warnings before a timed-out task is killed or abandoned (0 disables)")
	flags.IntVar(&runFlags.maxParallel, "max-parallel", 0, "tasks run at once")
	flags.StringVar(&runFlags.dbPath, "db", ":memory:", "database recording the build")
}

// printResult writes one line per task, then the failure of each failed task.
func printResult(w io.Writer, res *engine.BuildResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, o := range res.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%dms\n", o.Name, o.Status, o.DurationMS)
	}
	tw.Flush()

	for _, f := range res.Failures() {
		fmt.Fprintf(w, "\n%s\n> %v\n", f.Description, f.Cause)
	}
}
