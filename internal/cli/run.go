package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/internal/workflow"
	"github.com/rendis/runway/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Start a workflow run and drive it through its gates",
	Long: `Start a run of the given workflow definition and execute it step by step.
Each step waits for its declared artifact, validates it through the gate
pipeline, and advances on a pass. With --dry-run the step plan is printed
without creating any run state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run-id")
		storyID, _ := cmd.Flags().GetString("story")
		epicID, _ := cmd.Flags().GetString("epic")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		params, _ := cmd.Flags().GetStringArray("param")

		d, err := buildDeps(!dryRun)
		if err != nil {
			return err
		}
		defer d.Close()

		def, err := workflow.Load(args[0], d.logger)
		if err != nil {
			return err
		}

		if dryRun {
			// A dry run plans against a transient record; nothing is
			// written to the runs root.
			run, err := d.runner.Preview(def, runID, storyID, epicID)
			if err != nil {
				return err
			}
			if err := applyParams(run, params); err != nil {
				return err
			}
			report, err := d.runner.DryRun(def, run)
			if err != nil {
				return err
			}
			printDryRun(cmd, run.RunID, report)
			return nil
		}

		run, err := d.runner.Start(def, runID, storyID, epicID)
		if err != nil {
			return err
		}
		if err := applyParams(run, params); err != nil {
			return err
		}
		if len(params) > 0 {
			if err := d.layout.SaveRun(run); err != nil {
				return err
			}
		}

		if err := d.runner.Execute(cmd.Context(), def, run); err != nil {
			return err
		}
		printRun(cmd, run)
		return nil
	},
}

func init() {
	runCmd.Flags().String("run-id", "", "Run identifier (generated when omitted)")
	runCmd.Flags().String("story", "", "Story identifier for output path interpolation")
	runCmd.Flags().String("epic", "", "Epic identifier for output path interpolation")
	runCmd.Flags().Bool("dry-run", false, "Report what would execute without running anything")
	runCmd.Flags().StringArray("param", nil, "Run metadata as key=value (repeatable)")
}

// applyParams merges --param key=value pairs into the run metadata, where
// step conditions see them as config.*.
func applyParams(run *schema.Run, params []string) error {
	for _, p := range params {
		key, value, found := strings.Cut(p, "=")
		if !found || key == "" {
			return schema.NewErrorf(schema.ErrCodeConfig, "malformed --param %q, want key=value", p)
		}
		switch value {
		case "true":
			run.Metadata[key] = true
		case "false":
			run.Metadata[key] = false
		default:
			run.Metadata[key] = value
		}
	}
	return nil
}

func printDryRun(cmd *cobra.Command, runID string, report []engine.DryRunStep) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Dry run for %s:\n", runID)
	for _, step := range report {
		if !step.WouldExecute {
			fmt.Fprintf(w, "  %-8s skip (condition not met: %s)\n", step.StepID, step.Condition)
			continue
		}
		line := fmt.Sprintf("  %-8s execute", step.StepID)
		if step.OutputPath != "" {
			line += " -> " + step.OutputPath
		}
		fmt.Fprintln(w, line)
		for _, m := range step.MissingDeps {
			fmt.Fprintf(w, "           missing input: %s (from step %s)\n", m.Artifact, m.FromStep)
		}
		for _, warning := range step.Warnings {
			fmt.Fprintf(w, "           warning: %s\n", warning)
		}
	}
}

func printRun(cmd *cobra.Command, run *schema.Run) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s: %s\n", run.RunID, run.Status)
	fmt.Fprintf(w, "  Workflow:        %s\n", run.WorkflowName)
	if run.CurrentStep != "" {
		fmt.Fprintf(w, "  Current Step:    %s\n", run.CurrentStep)
	}
	if len(run.CompletedSteps) > 0 {
		fmt.Fprintf(w, "  Completed Steps: %s\n", strings.Join(run.CompletedSteps, ", "))
	}
}
