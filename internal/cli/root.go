// Package cli implements the runway command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion injects the build-time version string.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "runway",
	Short: "runway — a gated task-pipeline driver for coding agents",
	Long: `runway drives multi-step agent workflows through validation gates:
JSON Schema checks, custom checks, security scans, dependency resolution,
and a consensus plan-rating gate.

Run state lives under the runs root (default ~/.runway/runs); the audit
event log and scheduled runs live in a local libSQL database.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
}
