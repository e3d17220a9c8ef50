package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Validate a workflow definition without running it",
	Long: `Parse and resolve a workflow definition: deprecated keys are migrated,
the step graph is flattened, and duplicate or missing step IDs are
rejected. Prints the resolved execution order on success.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(false)
		if err != nil {
			return err
		}
		defer d.Close()

		def, err := workflow.Load(args[0], d.logger)
		if err != nil {
			return err
		}
		resolved, err := workflow.Resolve(def)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Workflow %q: %d step(s)\n", def.Name, resolved.Len())
		for idx := 0; idx < resolved.Len(); idx++ {
			loc, _ := resolved.At(idx)
			line := fmt.Sprintf("  %2d. %s", idx+1, loc.Step.ID)
			if loc.Phase != "" {
				line += fmt.Sprintf(" (phase %s)", loc.Phase)
			}
			if loc.Condition != "" {
				line += fmt.Sprintf(" [if %s]", loc.Condition)
			} else if loc.Step.Condition != "" {
				line += fmt.Sprintf(" [if %s]", loc.Step.Condition)
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}
