// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and environment variables. It covers the
// HTTP server, the sandbox engine, the admission controller, the shared
// dataset mount, and per-language runtime overrides.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("HTTP port: %d\n", cfg.Server.HTTPPort)
package config
