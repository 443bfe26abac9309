package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/vigil/internal/config"
	"github.com/seantiz/vigil/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve one unit over stdin and stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		// stdout carries frames, so logs go to stderr.
		logger := config.NewLogger(os.Stderr, config.Load().LogLevel).With("pid", os.Getpid())
		return worker.RunStdio(context.Background(), os.Stdin, os.Stdout, logger)
	},
}
