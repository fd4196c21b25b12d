// Package dataset exposes the shared read-only dataset mount.
//
// The dataset content is mounted into the host by an external
// collaborator (an object-storage mount managed outside this process).
// This package wraps that host path in an explicit handle, verified once
// at startup and injected where needed, instead of an ambient global.
// Its lifecycle is tied to the process: there is no per-session setup or
// teardown, and the core never writes to it.
package dataset

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/runboxd/runbox/config"
)

// Mount is the process-wide handle on the shared dataset
type Mount struct {
	hostPath  string
	mountPath string
	enabled   bool
}

// New verifies the configured host path and returns the handle. When the
// dataset is disabled the returned Mount is inert and requests asking
// for it are served without the mount.
func New(cfg *config.Config, logger *zap.Logger) (*Mount, error) {
	if !cfg.Dataset.Enabled {
		return &Mount{}, nil
	}

	info, err := os.Stat(cfg.Dataset.HostPath)
	if err != nil {
		return nil, fmt.Errorf("dataset host path %q: %w", cfg.Dataset.HostPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset host path %q is not a directory", cfg.Dataset.HostPath)
	}

	logger.Info("shared dataset mount available",
		zap.String("host_path", cfg.Dataset.HostPath),
		zap.String("mount_path", cfg.Dataset.MountPath))

	return &Mount{
		hostPath:  cfg.Dataset.HostPath,
		mountPath: cfg.Dataset.MountPath,
		enabled:   true,
	}, nil
}

// Enabled reports whether the shared dataset is available
func (m *Mount) Enabled() bool { return m.enabled }

// HostPath returns the dataset's path on the host
func (m *Mount) HostPath() string { return m.hostPath }

// ContainerPath returns where the dataset appears inside an environment
func (m *Mount) ContainerPath() string { return m.mountPath }
