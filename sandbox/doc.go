// Package sandbox provides the isolation backend for code execution.
//
// The sandbox package implements the low-level engine that provisions an
// isolated environment per request, runs untrusted code inside it, and
// tears it down. It supports multiple backends including Docker, Podman,
// and local execution (for development).
//
// Each environment is single-use: it is owned by exactly one execution
// and destroyed unconditionally when that execution ends, whatever the
// outcome. Backends stamp every environment with a provisioning epoch so
// that environments orphaned by a crashed process can be enumerated and
// destroyed on the next start.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, cfg)
//	env, err := backend.Provision(ctx, sandbox.ProvisionSpec{
//	    Language: sandbox.LanguagePython,
//	    Epoch:    epoch,
//	})
//	defer backend.Destroy(env)
//	outcome, err := backend.Run(ctx, env, "print('Hello, World!')")
package sandbox
