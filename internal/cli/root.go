// Package cli implements the aitask command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "aitask",
	Short: "Orchestrator for long-running AI coding-agent sessions",
	Long: `aitask queues coding tasks against local or SSH git workspaces and runs
them through AI coding CLIs (claude, codex, copilot), each task isolated in
its own git worktree and branch.

Quick start:
  aitask serve                Start the daemon (API + scheduler)
  aitask version              Print the version`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
