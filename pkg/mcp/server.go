// Package mcp exposes the run driver over the Model Context Protocol so
// coding agents can start, inspect, and unblock runs as tool calls.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/runway/internal/artifacts"
	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/internal/store"
)

// EventReader is the slice of the store the events tool needs. Optional;
// without it the events tool reports that auditing is disabled.
type EventReader interface {
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// RunwayServerDeps holds the dependencies for creating a RunwayServer.
type RunwayServerDeps struct {
	Runner *engine.Runner
	Layout artifacts.Layout
	Events EventReader
	Logger *slog.Logger
}

// RunwayServer wraps an MCP server with runway-specific tool handlers.
type RunwayServer struct {
	runner    *engine.Runner
	layout    artifacts.Layout
	events    EventReader
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRunwayServer creates a RunwayServer with all tools registered.
func NewRunwayServer(deps RunwayServerDeps) *RunwayServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RunwayServer{
		runner: deps.Runner,
		layout: deps.Layout,
		events: deps.Events,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"runway",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runway drives gated task pipelines for coding agents. Use runway.run to start a workflow run, runway.status to inspect one, runway.resume to continue from a checkpoint, runway.approve to release a run blocked on sign-off, runway.rating to read the plan rating, and runway.events to query the audit log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *RunwayServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *RunwayServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RunwayServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: ratingTool(), Handler: s.handleRating},
		{Tool: eventsTool(), Handler: s.handleEvents},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("runway.run",
		mcp.WithDescription("Start a workflow run and drive it through its gates"),
		mcp.WithString("workflow_path", mcp.Required(), mcp.Description("Path to the workflow definition YAML")),
		mcp.WithString("run_id", mcp.Description("Run identifier (generated when omitted)")),
		mcp.WithString("story_id", mcp.Description("Story identifier for output path interpolation")),
		mcp.WithString("epic_id", mcp.Description("Epic identifier for output path interpolation")),
		mcp.WithObject("params", mcp.Description("Run metadata, visible to step conditions as config.*")),
		mcp.WithBoolean("dry_run", mcp.Description("Report what would execute without touching run state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("runway.status",
		mcp.WithDescription("Get the current state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("runway.resume",
		mcp.WithDescription("Resume an interrupted run from its latest or a chosen checkpoint"),
		mcp.WithString("workflow_path", mcp.Required(), mcp.Description("Path to the workflow definition YAML")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithString("from_step", mcp.Description("Checkpointed step to resume after (default: latest)")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("runway.approve",
		mcp.WithDescription("Release a run blocked on human sign-off and continue it"),
		mcp.WithString("workflow_path", mcp.Required(), mcp.Description("Path to the workflow definition YAML")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run awaiting approval")),
	)
}

func ratingTool() mcp.Tool {
	return mcp.NewTool("runway.rating",
		mcp.WithDescription("Read the persisted plan rating for a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the rated run")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("runway.events",
		mcp.WithDescription("Query the audit event log"),
		mcp.WithString("run_id", mcp.Description("Restrict to one run")),
		mcp.WithString("event_type", mcp.Description("Restrict to one event type, e.g. step_passed")),
		mcp.WithObject("filter", mcp.Description("Extra criteria: step_id, since (RFC3339), limit")),
	)
}
