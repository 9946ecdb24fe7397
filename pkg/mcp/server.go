package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/loader"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
// Registry and Loader are required; Store, Events and Hub are optional.
type ServerDeps struct {
	Registry *handlers.Registry
	Loader   *loader.Loader
	Store    store.Store
	Events   *store.EventLog
	Hub      streaming.Hub
	Logger   *slog.Logger
	// Options is the base configuration of every executor the server builds.
	Options engine.Options
}

// Server wraps an MCP server with blockflow tool handlers.
type Server struct {
	registry *handlers.Registry
	loader   *loader.Loader
	store    store.Store
	events   *store.EventLog
	hub      streaming.Hub
	logger   *slog.Logger
	opts     engine.Options

	sessions *SessionRegistry
	notifier RunNotifier

	mu     sync.Mutex
	active map[string]*engine.Executor

	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		registry: deps.Registry,
		loader:   deps.Loader,
		store:    deps.Store,
		events:   deps.Events,
		hub:      deps.Hub,
		logger:   logger,
		opts:     deps.Options,
		sessions: NewSessionRegistry(),
		active:   make(map[string]*engine.Executor),
	}

	mcpSrv := server.NewMCPServer(
		"blockflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Blockflow executes block workflows. Use blockflow.execute to run a workflow graph, blockflow.cancel to stop a running execution, blockflow.handlers to list block types and blockflow.runs to inspect run history."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: handlersTool(), Handler: s.handleHandlers},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

func (s *Server) track(executionID string, x *engine.Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[executionID] = x
}

func (s *Server) untrack(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, executionID)
}

func (s *Server) lookup(executionID string) (*engine.Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.active[executionID]
	return x, ok
}

// Active reports how many executions are in flight.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
