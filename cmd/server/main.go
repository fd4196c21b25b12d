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

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/runboxd/runbox/admission"
	"github.com/runboxd/runbox/config"
	"github.com/runboxd/runbox/dataset"
	"github.com/runboxd/runbox/executor"
	"github.com/runboxd/runbox/httpserver"
	"github.com/runboxd/runbox/logger"
	"github.com/runboxd/runbox/mcpserver"
	"github.com/runboxd/runbox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Shared dataset mount
			dataset.New,

			// Concurrency controller
			admission.NewFromConfig,

			// Isolation backend based on config
			sandbox.NewBackend,

			// Execution engine
			executor.New,

			// Servers depend on the engine through their own seams
			func(e *executor.Engine) httpserver.Engine { return e },
			func(e *executor.Engine) mcpserver.Engine { return e },

			httpserver.New,
			mcpserver.New,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// registerLifecycle wires startup and shutdown ordering: stale
// environments from previous process epochs are reaped before the
// service accepts work, and the HTTP server drains on shutdown.
func registerLifecycle(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	engine *executor.Engine,
	httpSrv *httpserver.Server,
	mcpSrv *mcpserver.MCPServer,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// A failed sweep is logged, not fatal; orphans are retried
			// on the next restart
			engine.ReapStale(ctx)

			if err := httpSrv.Start(); err != nil {
				return err
			}

			if cfg.MCP.Enabled {
				switch cfg.MCP.Transport {
				case "stdio":
					go func() {
						if err := mcpSrv.ServeStdio(); err != nil {
							log.Error("MCP stdio server failed", zap.Error(err))
						}
					}()
				case "http":
					go func() {
						if err := mcpSrv.ServeHTTP(); err != nil {
							log.Error("MCP HTTP server failed", zap.Error(err))
						}
					}()
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpSrv.Stop(ctx)
		},
	})
}
