package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/runboxd/runbox/config"
)

// NewBackend creates the isolation backend selected by the configuration
func NewBackend(logger *zap.Logger, cfg *config.Config) (Backend, error) {
	backendConfig := &Config{
		MemoryMB:       cfg.Sandbox.MemoryMB,
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * 1024,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		Images:         make(map[Language]string),
		Env:            make(map[Language]map[string]string),
	}

	for name, lang := range cfg.Languages {
		parsed, err := ParseLanguage(name)
		if err != nil {
			return nil, fmt.Errorf("invalid languages section: %w", err)
		}
		if lang.Image != "" {
			backendConfig.Images[parsed] = lang.Image
		}
		if len(lang.Environment) > 0 {
			backendConfig.Env[parsed] = lang.Environment
		}
	}

	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerBackend(logger, backendConfig), nil
	case "podman":
		return NewPodmanBackend(logger, backendConfig), nil
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend requested but not enabled")
		}
		return NewLocalBackend(logger, backendConfig), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
