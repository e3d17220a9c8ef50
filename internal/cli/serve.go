package cli

import (
	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/scheduler"
	"github.com/rendis/runway/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve runway tools over MCP stdio",
	Long: `Expose run, status, resume, approve, rating, and events as Model Context
Protocol tools on stdio, and start the background scheduler for
cron-registered workflows. Intended to be launched by an agent host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

		d, err := buildDeps(true)
		if err != nil {
			return err
		}
		defer d.Close()

		if !noScheduler {
			sched := scheduler.New(d.store, &workflowRunner{deps: d}, d.logger, d.files)
			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = sched.Stop() }()
		}

		srv := mcp.NewRunwayServer(mcp.RunwayServerDeps{
			Runner: d.runner,
			Layout: d.layout,
			Events: d.store,
			Logger: d.logger,
		})
		return srv.Serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("no-scheduler", false, "Do not start the background scheduler")
}
