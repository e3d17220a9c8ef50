package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/workflow"
)

var approveCmd = &cobra.Command{
	Use:   "approve <workflow.yaml> <run-id>",
	Short: "Release a run blocked on human sign-off and continue it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		def, err := workflow.Load(args[0], d.logger)
		if err != nil {
			return err
		}

		run, err := d.runner.Approve(cmd.Context(), def, args[1])
		if err != nil {
			return err
		}
		printRun(cmd, run)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		run, err := d.runner.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", run.RunID, run.Status)
		return nil
	},
}
