// Package mcp exposes the workflow engine over the Model Context Protocol.
// The agent drives execution through the poll/ack tools: start a workflow,
// poll relay.next for batches of work, acknowledge blocking actions with
// relay.complete.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/loader"
	"github.com/rendis/relay/internal/validation"
)

// RelayServerDeps holds the dependencies for creating a RelayServer.
type RelayServerDeps struct {
	Engine    *engine.Engine
	Validator *validation.WorkflowValidator
	Loader    *loader.Loader
	Logger    *slog.Logger
}

// RelayServer wraps an MCP server with relay-specific tool handlers.
type RelayServer struct {
	engine    *engine.Engine
	validator *validation.WorkflowValidator
	loader    *loader.Loader
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRelayServer creates a RelayServer with all 6 tools registered.
func NewRelayServer(deps RelayServerDeps) *RelayServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	ldr := deps.Loader
	if ldr == nil {
		ldr = loader.New()
	}

	s := &RelayServer{
		engine:    deps.Engine,
		validator: deps.Validator,
		loader:    ldr,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"relay",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Relay is a workflow orchestration engine driven by a polling agent. Use relay.start to create a workflow instance, relay.next to fetch the next batch of work, relay.complete to acknowledge blocking actions, relay.update_state and relay.read_state to work with workflow state, and relay.status to check lifecycle status."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *RelayServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RelayServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *RelayServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: nextTool(), Handler: s.handleNext},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: updateStateTool(), Handler: s.handleUpdateState},
		{Tool: readStateTool(), Handler: s.handleReadState},
		{Tool: statusTool(), Handler: s.handleStatus},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("relay.start",
		mcp.WithDescription("Create a workflow instance from an inline definition or a definition file"),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition")),
		mcp.WithString("definition_path", mcp.Description("Path to a YAML or JSON workflow definition file")),
		mcp.WithObject("inputs", mcp.Description("Input values overlaying the definition's input defaults")),
	)
}

func nextTool() mcp.Tool {
	return mcp.NewTool("relay.next",
		mcp.WithDescription("Fetch the next batch of work: server-completed steps plus any agent actions. Re-polling while blocked returns the same batch"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to advance")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("relay.complete",
		mcp.WithDescription("Acknowledge the blocking agent action the workflow is waiting on"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the blocked workflow")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the acknowledged step")),
		mcp.WithString("status", mcp.Description("Outcome of the action: success (default) or failed")),
		mcp.WithObject("result", mcp.Description("Result payload, written to state per the step's configuration")),
	)
}

func updateStateTool() mcp.Tool {
	return mcp.NewTool("relay.update_state",
		mcp.WithDescription("Apply a batch of state mutations atomically; computed fields recalculate automatically"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithArray("updates", mcp.Required(), mcp.Description("List of {path, value, operation} updates")),
	)
}

func readStateTool() mcp.Tool {
	return mcp.NewTool("relay.read_state",
		mcp.WithDescription("Read the full three-tier state snapshot of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to read")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("relay.status",
		mcp.WithDescription("Get the lifecycle status of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}
