package cli

import (
	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/workflow"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow.yaml> <run-id>",
	Short: "Resume an interrupted run from a checkpoint",
	Long: `Resume a run from its most recent checkpoint, or from the checkpoint of a
chosen step via --from-step. Dependencies are re-validated exactly as a
fresh run would validate them.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStep, _ := cmd.Flags().GetString("from-step")

		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		def, err := workflow.Load(args[0], d.logger)
		if err != nil {
			return err
		}

		run, err := d.runner.Resume(cmd.Context(), def, args[1], fromStep)
		if err != nil {
			return err
		}
		printRun(cmd, run)
		return nil
	},
}

func init() {
	resumeCmd.Flags().String("from-step", "", "Checkpointed step to resume after (default: latest)")
}
