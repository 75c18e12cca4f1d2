package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/internal/streaming"
	"github.com/rendis/flowchat/pkg/schema"
)

// Engine is the subset of the workflow engine the tools drive.
type Engine interface {
	DefineWorkflow(ctx context.Context, raw []byte) (*schema.Definition, *schema.ValidationResult, error)
	GetDefinition(ctx context.Context, id int64) (*schema.Definition, error)
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.Definition, error)
	StartRun(ctx context.Context, definitionID int64, input map[string]any) (*schema.RunInstance, error)
	GetInstance(ctx context.Context, id int64) (*schema.RunInstance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.RunInstance, error)
	ListExecutionLogs(ctx context.Context, instanceID int64) ([]*schema.ExecutionLogEntry, error)
	SubmitUserInput(ctx context.Context, instanceID int64, text string) bool
	Waiting(instanceID int64) bool
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine Engine
	Hub    streaming.EventHub // optional; enables chat notifications
	Logger *slog.Logger
}

// Server wraps an MCP server with the flowchat tool handlers.
type Server struct {
	engine    Engine
	hub       streaming.EventHub
	logger    *slog.Logger
	jq        *expressions.JQ
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:   deps.Engine,
		hub:      deps.Hub,
		logger:   logger,
		jq:       expressions.NewJQ(),
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowchat",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Flowchat runs conversational agent workflows. Use flowchat.define to register a workflow, flowchat.run to start it, flowchat.status and flowchat.logs to follow a run, flowchat.submit_input to answer a run that is waiting for user input, flowchat.list to browse definitions and runs, and flowchat.diagram to visualize a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Chat events of runs started through this server are
// forwarded as log notifications while it serves.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go s.notifier.Forward(ctx, s.hub)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: submitInputTool(), Handler: s.handleSubmitInput},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flowchat.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (globalVariables, nodes, transitions)")),
		mcp.WithString("document", mcp.Description("Workflow definition as a JSON string; alternative to definition")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowchat.run",
		mcp.WithDescription("Start a run of a registered workflow"),
		mcp.WithNumber("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithObject("params", mcp.Description("Input parameters; override declared variables")),
	)
}

func submitInputTool() mcp.Tool {
	return mcp.NewTool("flowchat.submit_input",
		mcp.WithDescription("Answer a run that is waiting for user input"),
		mcp.WithNumber("instance_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("content", mcp.Required(), mcp.Description("User message text")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowchat.status",
		mcp.WithDescription("Get the state of a run"),
		mcp.WithNumber("instance_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("filter", mcp.Description("Optional jq expression applied to the result")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("flowchat.logs",
		mcp.WithDescription("Get the execution log of a run"),
		mcp.WithNumber("instance_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("filter", mcp.Description("Optional jq expression applied to the log entries")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flowchat.list",
		mcp.WithDescription("List workflow definitions or runs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("definitions", "instances"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("criteria", mcp.Description("Filter criteria (name, status, definition_id, since, limit, offset)")),
		mcp.WithString("filter", mcp.Description("Optional jq expression applied to the result")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowchat.diagram",
		mcp.WithDescription("Generate a diagram of a workflow. Returns Mermaid flowchart syntax, ASCII art, or a PNG image"),
		mcp.WithNumber("definition_id", mcp.Description("Definition to diagram")),
		mcp.WithNumber("instance_id", mcp.Description("Run to diagram; its path is highlighted")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
