// Package mcp exposes the decision engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/verdict/internal/casegen"
	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/session"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/internal/streaming"
	"github.com/rendis/verdict/internal/validation"
	"github.com/rendis/verdict/pkg/schema"
)

// VerdictServerDeps holds the dependencies for creating a VerdictServer.
type VerdictServerDeps struct {
	Store     store.Store
	Executor  engine.Executor
	Validator *validation.WorkflowValidator
	Generator *casegen.Generator
	Sessions  *session.Manager
	Events    streaming.EventHub // optional; enables session notifications
	JQ        *expressions.JQFilter
	Logger    *slog.Logger
	Version   string
}

// VerdictServer wraps an MCP server with the engine's tool handlers.
type VerdictServer struct {
	store     store.Store
	executor  engine.Executor
	validator *validation.WorkflowValidator
	generator *casegen.Generator
	sessions  *session.Manager
	jq        *expressions.JQFilter
	logger    *slog.Logger
	events    streaming.EventHub
	clients   *SessionRegistry
	notifier  SessionNotifier
	mcpServer *server.MCPServer
}

// NewVerdictServer creates a new VerdictServer with all tools registered.
func NewVerdictServer(deps VerdictServerDeps) *VerdictServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	jq := deps.JQ
	if jq == nil {
		jq = expressions.NewJQFilter()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &VerdictServer{
		store:     deps.Store,
		executor:  deps.Executor,
		validator: deps.Validator,
		generator: deps.Generator,
		sessions:  deps.Sessions,
		events:    deps.Events,
		jq:        jq,
		logger:    logger,
		clients:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"verdict",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Verdict executes decision workflows and scores them against human answers. "+
			"Use verdict.define to register a workflow, verdict.execute or verdict.trace to run it, "+
			"verdict.validate to check a definition, verdict.generate for test inputs, "+
			"verdict.session to run a scored validation session, verdict.query to list workflows, "+
			"events and sessions, and verdict.diagram to render a workflow."),
		server.WithHooks(s.hooks()),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.clients)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VerdictServer) Serve(ctx context.Context) error {
	if s.events != nil {
		go func() {
			if err := s.ForwardEvents(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("session event forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VerdictServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *VerdictServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: generateTool(), Handler: s.handleGenerate},
		{Tool: sessionTool(), Handler: s.handleSession},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// hooks drops client mappings when an MCP client disconnects.
func (s *VerdictServer) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, cs server.ClientSession) {
		s.clients.Remove(cs.SessionID())
	})
	return h
}

// ForwardEvents relays session events to the client that started each
// session until ctx is cancelled.
func (s *VerdictServer) ForwardEvents(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	ch, cancel, err := s.events.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward(ctx, ev)
		}
	}
}

// forward sends one event as a logging notification. Terminal events end the
// client mapping.
func (s *VerdictServer) forward(ctx context.Context, ev schema.Event) {
	if _, ok := s.clients.SessionFor(ev.SessionID); !ok {
		return
	}
	data := map[string]any{
		"event":       ev.Type,
		"session_id":  ev.SessionID,
		"workflow_id": ev.WorkflowID,
		"sequence":    ev.Sequence,
	}
	if len(ev.Payload) > 0 {
		data["payload"] = ev.Payload
	}
	err := s.notifier.Notify(ctx, ev.SessionID, map[string]any{
		"level":  "info",
		"logger": "verdict",
		"data":   data,
	})
	if err != nil {
		s.logger.Warn("session notification failed", "session_id", ev.SessionID, "error", err)
	}
	if ev.Type == schema.EventSessionCompleted || ev.Type == schema.EventSessionAbandoned {
		s.clients.Forget(ev.SessionID)
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("verdict.define",
		mcp.WithDescription("Register or replace a workflow definition"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document: id, metadata, blocks, connections")),
		mcp.WithBoolean("replace", mcp.Description("Replace an existing workflow with the same id, keeping its validation stats (default: false)")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("verdict.execute",
		mcp.WithDescription("Execute a workflow with the given inputs"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("inputs", mcp.Description("Input values keyed by input name")),
		mcp.WithString("jq", mcp.Description("Optional jq expression applied to the result")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("verdict.trace",
		mcp.WithDescription("Execute a workflow and return every visited block with its variables and decisions"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to trace")),
		mcp.WithObject("inputs", mcp.Description("Input values keyed by input name")),
		mcp.WithString("jq", mcp.Description("Optional jq expression applied to the trace")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("verdict.validate",
		mcp.WithDescription("Check a workflow definition and report errors and warnings"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow")),
		mcp.WithObject("workflow", mcp.Description("Workflow document to check without storing it")),
	)
}

func generateTool() mcp.Tool {
	return mcp.NewTool("verdict.generate",
		mcp.WithDescription("Generate test inputs for a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("strategy",
			mcp.Enum(string(schema.StrategyRandom), string(schema.StrategyBoundary), string(schema.StrategyComprehensive)),
			mcp.Description("Generation strategy (default: random)"),
		),
		mcp.WithNumber("count", mcp.Description("Number of random cases (default: 10)")),
	)
}

func sessionTool() mcp.Tool {
	return mcp.NewTool("verdict.session",
		mcp.WithDescription("Run a validation session: start, answer cases, and complete to update the workflow's score"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("start", "current", "submit", "skip", "score", "complete", "abandon", "get", "composite"),
			mcp.Description("Session operation"),
		),
		mcp.WithString("session_id", mcp.Description("Session ID (all actions except start and composite)")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (start, composite)")),
		mcp.WithString("strategy", mcp.Description("Case strategy for start: random, boundary or comprehensive")),
		mcp.WithNumber("count", mcp.Description("Random case count for start (default: 10)")),
		mcp.WithString("answer", mcp.Description("Expected output for the current case (submit)")),
		mcp.WithNumber("weight", mcp.Description("Parent weight for composite, 0..1 (default: 0.5)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("verdict.query",
		mcp.WithDescription("Query workflows, session events, or live sessions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "sessions", "history"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (domain, tag, validated_only, workflow_id, session_id, event_type, since, limit, offset)")),
		mcp.WithString("jq", mcp.Description("Optional jq expression applied to the result")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("verdict.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded image"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "png", "svg"),
			mcp.Description("Output format"),
		),
		mcp.WithObject("inputs", mcp.Description("When set, the path taken for these inputs is highlighted")),
		mcp.WithBoolean("expand", mcp.Description("Draw referenced workflows inside their blocks (default: false)")),
	)
}
