package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/gate"
	"github.com/rendis/runway/internal/rating"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show detailed run status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(false)
		if err != nil {
			return err
		}
		defer d.Close()

		run, err := d.layout.LoadRun(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run %s: %s\n", run.RunID, run.Status)
		fmt.Fprintf(w, "  Workflow:        %s\n", run.WorkflowName)
		if run.StoryID != "" {
			fmt.Fprintf(w, "  Story:           %s\n", run.StoryID)
		}
		if run.EpicID != "" {
			fmt.Fprintf(w, "  Epic:            %s\n", run.EpicID)
		}
		if run.CurrentStep != "" {
			fmt.Fprintf(w, "  Current Step:    %s\n", run.CurrentStep)
		}
		if len(run.CompletedSteps) > 0 {
			fmt.Fprintf(w, "  Completed Steps: %s\n", strings.Join(run.CompletedSteps, ", "))
		}
		fmt.Fprintf(w, "  Created:         %s\n", run.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Updated:         %s\n", run.UpdatedAt.Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Fprintf(w, "  Completed:       %s\n", run.CompletedAt.Format(time.RFC3339))
		}

		runDir, err := d.layout.RunDir(run.RunID)
		if err != nil {
			return err
		}

		if rec, ratErr := rating.Load(runDir); ratErr == nil {
			verdict := "failed"
			if rec.Passed {
				verdict = "passed"
			}
			fmt.Fprintf(w, "  Plan Rating:     %.1f / %.1f (%s)\n",
				rec.OverallScore, rec.MinimumRequired, verdict)
		}

		// Gate records for steps that have been through validation.
		printed := false
		for _, stepID := range append(append([]string{}, run.CompletedSteps...), run.CurrentStep) {
			if stepID == "" {
				continue
			}
			rec, gerr := gate.LoadRecord(runDir, stepID)
			if gerr != nil {
				continue
			}
			if !printed {
				fmt.Fprintln(w, "  Gates:")
				printed = true
			}
			state := "fail"
			switch {
			case rec.Skipped:
				state = "skipped"
			case rec.Valid:
				state = "pass"
			}
			fmt.Fprintf(w, "    %-8s %s\n", stepID, state)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the audit event log for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		events, err := d.store.GetEvents(cmd.Context(), args[0], 0)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(w, "No events recorded.")
			return nil
		}
		for _, e := range events {
			step := e.StepID
			if step == "" {
				step = "-"
			}
			fmt.Fprintf(w, "%4d  %s  %-20s %s\n",
				e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, step)
		}
		return nil
	},
}
