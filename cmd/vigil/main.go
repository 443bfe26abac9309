// Command vigil runs tasks under timeout supervision.
//
//	vigil serve                 start the HTTP API
//	vigil run build.yaml        run a build file and report each task
//	vigil worker                serve one unit on stdin/stdout (used by the process backend)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "vigil",
	Short:         "Run tasks under timeout supervision",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		os.Exit(1)
	}
}
