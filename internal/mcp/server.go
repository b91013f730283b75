// Package mcp serves governed tools over the Model Context Protocol on
// stdio. Every tool call is bracketed by the governance pipeline.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
)

// Tool names as seen by the pipeline and its contracts.
const (
	ExecTool = "Bash"
	HTTPTool = "http_request"
)

// Config holds MCP server configuration.
type Config struct {
	// SessionID groups every call of this server process. Generated when
	// empty.
	SessionID   string
	Environment string
	Principal   *model.Principal
	Version     string

	// HTTPClient performs callwarden_http requests.
	HTTPClient *http.Client
	// ExecTimeout bounds a single callwarden_exec command.
	ExecTimeout time.Duration

	Logger *slog.Logger
}

// Server wraps the MCP SDK server with pipeline enforcement.
type Server struct {
	mcpServer *mcpsdk.Server
	pipe      *pipeline.Pipeline
	cfg       Config
	logger    *slog.Logger
}

// New creates an MCP server around pipe.
func New(pipe *pipeline.Pipeline, cfg Config) (*Server, error) {
	if pipe == nil {
		return nil, errors.New("mcp: pipeline is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "mcp-" + uuid.NewString()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 2 * time.Minute
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		pipe:   pipe,
		cfg:    cfg,
		logger: logger.With("component", "mcp", "session_id", cfg.SessionID),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "callwarden",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "policy_version", s.pipe.Bundle().Version)
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// SessionID is the session every call is counted against.
func (s *Server) SessionID() string { return s.cfg.SessionID }

func (s *Server) call(tool string, args map[string]any, se model.SideEffect) model.Call {
	return model.Call{
		Tool:        tool,
		Args:        args,
		SessionID:   s.cfg.SessionID,
		Environment: s.cfg.Environment,
		Principal:   s.cfg.Principal,
		SideEffect:  se,
	}
}

// registerTools adds all callwarden tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "callwarden_exec",
		Description: "Execute a command through callwarden governance. Denied commands return an error with the reason.",
	}, s.handleExec)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "callwarden_http",
		Description: "Make an HTTP request through callwarden governance. Denied requests return an error with the reason.",
	}, s.handleHTTP)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "callwarden_check",
		Description: "Check whether a tool call would be allowed by the active contracts without executing it (dry-run).",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "callwarden_validate",
		Description: "Validate a contract bundle and list every problem with its line number.",
	}, s.handleValidate)
}
