// Package main is the entry point for the runbox execution service.
//
// Runbox executes untrusted user code (Python, Node.js, Go, C++) in isolated
// single-use environments behind a bearer-authenticated HTTP API, with an
// optional Model Context Protocol (MCP) surface for tool-calling clients.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
