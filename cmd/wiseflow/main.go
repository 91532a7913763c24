// Package main provides the entry point for the wiseflow CLI tool.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TeamWiseflow/wiseflow-go/cmd/wiseflow/commands"
	"github.com/TeamWiseflow/wiseflow-go/pkg/version"
)

// Exit codes: success, user error (bad arguments or flags), internal error.
const (
	exitOK       = 0
	exitUsage    = 1
	exitInternal = 2
)

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	if errors.Is(err, commands.ErrUsage) {
		return exitUsage
	}

	return exitInternal
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "wiseflow",
		Short: "Wiseflow - concurrent ingestion and scheduling engine",
		Long: `Wiseflow ingests data from heterogeneous external sources and drives the
ingestion through a concurrent, priority-scheduled, resource-aware task engine.

Commands:
  serve     Run the engine: scheduler, worker pool, connectors, supervisor
  task      Inspect and manage persisted mining tasks
  pipeline  Create tasks and interconnections from a YAML declaration
  monitor   One-shot resource and task snapshot
  fetch     One-shot fetch of a URL through the rate-limited client`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewTaskCommand())
	rootCmd.AddCommand(commands.NewPipelineCommand())
	rootCmd.AddCommand(commands.NewMonitorCommand())
	rootCmd.AddCommand(commands.NewFetchCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(exitCode(err))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "wiseflow %s (commit: %s, built: %s)\n",
				version.String(), version.GitHash, version.BuildDate)
		},
	}
}
