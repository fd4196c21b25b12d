// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// execution engine to tool-calling clients. It uses the mark3labs/mcp-go
// library to handle the protocol details and provides the execute_code tool
// as the primary interface for sandboxed code execution.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration. The HTTP transport requires the same bearer
// token as the HTTP API; stdio is only reachable by the parent process
// and carries no credentials.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
