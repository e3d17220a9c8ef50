package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/scheduler"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/workflow"
	"github.com/rendis/runway/pkg/schema"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron-scheduled workflow runs",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <workflow.yaml>",
	Short: "Register a workflow on a cron schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cronExpr, _ := cmd.Flags().GetString("cron")
		paramsJSON, _ := cmd.Flags().GetString("params")
		id, _ := cmd.Flags().GetString("id")

		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		// Reject unparseable definitions before they reach the schedule.
		if _, err := workflow.Load(args[0], d.logger); err != nil {
			return err
		}

		var params json.RawMessage
		if paramsJSON != "" {
			if !json.Valid([]byte(paramsJSON)) {
				return schema.NewError(schema.ErrCodeConfig, "--params must be valid JSON")
			}
			params = json.RawMessage(paramsJSON)
		}

		sched := scheduler.New(d.store, nil, d.logger)
		next, err := sched.NextRun(cronExpr, time.Now().UTC())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeConfig, "invalid --cron: %s", err.Error()).WithCause(err)
		}

		if id == "" {
			id = "sched-" + uuid.NewString()
		}
		sr := &store.ScheduledRun{
			ID:             id,
			WorkflowPath:   args[0],
			CronExpression: cronExpr,
			Params:         params,
			Enabled:        true,
			NextRunAt:      &next,
		}
		if err := d.store.CreateScheduledRun(cmd.Context(), sr); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (next run %s)\n", id, next.Format(time.RFC3339))
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		scheduled, err := d.store.ListScheduledRuns(cmd.Context(), false)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(scheduled) == 0 {
			fmt.Fprintln(w, "No scheduled runs.")
			return nil
		}
		for _, sr := range scheduled {
			state := "enabled"
			if !sr.Enabled {
				state = "disabled"
			}
			next := "-"
			if sr.NextRunAt != nil {
				next = sr.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%-40s %-10s cron=%q next=%s workflow=%s\n",
				sr.ID, state, sr.CronExpression, next, sr.WorkflowPath)
			if sr.LastRunStatus != "" && sr.LastRunAt != nil {
				fmt.Fprintf(w, "%40s last=%s (%s)\n", "", sr.LastRunAt.Format(time.RFC3339), sr.LastRunStatus)
			}
		}
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a scheduled run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()
		return d.store.DeleteScheduledRun(cmd.Context(), args[0])
	},
}

var scheduleTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduling pass immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		sched := scheduler.New(d.store, &workflowRunner{deps: d}, d.logger)
		sched.Tick(cmd.Context())
		return nil
	},
}

func init() {
	scheduleAddCmd.Flags().String("cron", "", "Five-field cron expression (required)")
	scheduleAddCmd.Flags().String("params", "", "Run metadata as a JSON object")
	scheduleAddCmd.Flags().String("id", "", "Schedule identifier (generated when omitted)")
	_ = scheduleAddCmd.MarkFlagRequired("cron")

	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	scheduleCmd.AddCommand(scheduleTickCmd)
}

// workflowRunner adapts the engine runner to the scheduler's trigger
// interface: each trigger starts a fresh run with a generated ID.
type workflowRunner struct {
	deps *deps
}

func (w *workflowRunner) RunWorkflow(ctx context.Context, workflowPath string, params map[string]any) error {
	def, err := workflow.Load(workflowPath, w.deps.logger)
	if err != nil {
		return err
	}
	run, err := w.deps.runner.Start(def, "", "", "")
	if err != nil {
		return err
	}
	for k, v := range params {
		run.Metadata[k] = v
	}
	if len(params) > 0 {
		if err := w.deps.layout.SaveRun(run); err != nil {
			return err
		}
	}
	return w.deps.runner.Execute(ctx, def, run)
}
