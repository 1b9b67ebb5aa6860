// Command runner is the tool-execution worker: it consumes scan jobs, runs
// each approved tool inside a sandbox and reports one result per job.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "Sandboxed security tool runner",
	Long: `runner consumes tool-run jobs from a durable queue, validates their
arguments, target and scope against the tool manifest, executes the rendered
command in an isolated sandbox and publishes exactly one result per job.`,
	RunE:          runWork,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TOOLRUNNER_CONFIG"), "path to YAML config file")
	rootCmd.AddCommand(workCmd, enqueueCmd, manifestsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
