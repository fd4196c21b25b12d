// Package executor dispatches code-execution requests through the sandbox.
//
// The executor package owns the per-request lifecycle: it admits the
// request against the capacity ceiling, provisions an isolated
// environment, runs the code under a wall-clock deadline the backend
// cannot outlive, and normalizes the outcome into a stable result shape.
// Every provisioned environment is destroyed exactly once, on every
// path, before the capacity token is released.
//
// Usage:
//
//	engine := executor.New(logger, cfg, backend, controller, mount)
//	result := engine.Execute(ctx, executor.Request{
//	    Language: sandbox.LanguagePython,
//	    Code:     "print('Hello, World!')",
//	})
package executor
