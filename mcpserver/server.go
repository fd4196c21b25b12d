package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/runboxd/runbox/config"
	"github.com/runboxd/runbox/executor"
	"github.com/runboxd/runbox/sandbox"
)

// Engine is the execution engine surface the MCP server depends on
type Engine interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
	Languages() []string
}

// MCPServer exposes the execution engine over the Model Context Protocol
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    Engine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, engine Engine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		engine: engine,
	}

	s.mcpServer = server.NewMCPServer("runbox", "A sandboxed code execution server")
	s.registerExecuteCodeTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute untrusted code in an isolated single-use environment",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        s.engine.Languages(),
				},
				"packages": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Packages to install before execution (python and nodejs only)",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Wall-clock execution budget in seconds (optional)",
				},
				"use_shared_dataset": map[string]any{
					"type":        "boolean",
					"description": "Mount the shared dataset read-only at the configured path",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// toolResult is the JSON payload returned inside the tool's text content
type toolResult struct {
	Status    string  `json:"status"`
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	ExitCode  *int    `json:"exit_code"`
	Duration  float64 `json:"duration_seconds"`
	Truncated bool    `json:"truncated"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Err       string  `json:"error,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	req := executor.Request{
		Language:   sandbox.Language(language),
		Code:       code,
		Packages:   request.GetStringSlice("packages", nil),
		UseDataset: request.GetBool("use_shared_dataset", false),
	}
	if timeoutSec := request.GetInt("timeout_sec", 0); timeoutSec > 0 {
		req.Timeout = time.Duration(timeoutSec) * time.Second
	}

	s.logger.Info("tool execution requested",
		zap.String("language", language),
		zap.Int("packages", len(req.Packages)),
		zap.Bool("use_shared_dataset", req.UseDataset))

	result := s.engine.Execute(ctx, req)

	payload, err := json.Marshal(toolResult{
		Status:    string(result.Status),
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		Duration:  result.Duration.Seconds(),
		Truncated: result.Truncated,
		ErrorKind: string(result.ErrorKind),
		Err:       result.Err,
		Retryable: result.ErrorKind.Retryable(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
		IsError: result.Status != executor.StatusCompleted,
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP. The transport requires the same
// bearer token as the HTTP API; unlike stdio, an HTTP listener is
// reachable by more than whoever started the process.
func (s *MCPServer) ServeHTTP() error {
	port := s.config.MCP.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.withBearerAuth(server.NewStreamableHTTPServer(s.mcpServer)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpServer.ListenAndServe()
}

// withBearerAuth rejects HTTP tool calls without the service token
func (s *MCPServer) withBearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Server.AuthToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
