package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalBackend runs code directly on the host (WARNING: development
// only, there is no isolation beyond a throwaway working directory).
// It must be explicitly enabled in the configuration.
type LocalBackend struct {
	logger *zap.Logger
	config *Config
	cmd    CommandRunner
	fs     FileSystem
}

// LocalOption defines a functional option for LocalBackend
type LocalOption func(*LocalBackend)

// WithLocalCommandRunner sets the CommandRunner for LocalBackend
func WithLocalCommandRunner(cmd CommandRunner) LocalOption {
	return func(b *LocalBackend) {
		b.cmd = cmd
	}
}

// WithLocalFileSystem sets the FileSystem for LocalBackend
func WithLocalFileSystem(fs FileSystem) LocalOption {
	return func(b *LocalBackend) {
		b.fs = fs
	}
}

// NewLocalBackend creates a new LocalBackend
func NewLocalBackend(logger *zap.Logger, config *Config, opts ...LocalOption) *LocalBackend {
	backend := &LocalBackend{
		logger: logger,
		config: config,
		cmd:    &RealCommandRunner{}, // Default implementation
		fs:     &RealFileSystem{},    // Default implementation
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Provision creates a throwaway working directory for one execution
func (b *LocalBackend) Provision(_ context.Context, spec ProvisionSpec) (*Environment, error) {
	if _, err := spec.Language.spec(); err != nil {
		return nil, &ProvisionError{Backend: "local", Err: err}
	}

	if len(spec.Packages) > 0 {
		return nil, &InstallError{
			Output: "",
			Err:    fmt.Errorf("the local backend does not support package installation"),
		}
	}

	workdir, err := b.fs.MkdirTemp("", "runbox-exec-*")
	if err != nil {
		return nil, &ProvisionError{Backend: "local", Err: fmt.Errorf("failed to create workdir: %w", err)}
	}

	return &Environment{
		ID:       uuid.NewString(),
		Language: spec.Language,
		Workdir:  workdir,
	}, nil
}

// Run writes the code into the workdir and executes it on the host
func (b *LocalBackend) Run(ctx context.Context, env *Environment, code string) (RawOutcome, error) {
	rt, err := env.Language.spec()
	if err != nil {
		return RawOutcome{}, err
	}

	codePath := filepath.Join(env.Workdir, rt.Filename)
	if writeErr := b.fs.WriteFile(codePath, []byte(code), FilePermission); writeErr != nil {
		return RawOutcome{}, fmt.Errorf("failed to write user code: %w", writeErr)
	}

	stdout := NewCappedBuffer(b.config.MaxOutputBytes)
	stderr := NewCappedBuffer(b.config.MaxOutputBytes)

	start := time.Now()
	exitCode, runErr := b.cmd.RunCommand(ctx, env.Workdir, []string{"sh", "-c", rt.LocalCmd}, stdout, stderr)

	outcome := RawOutcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, ctxErr
	}
	if runErr != nil {
		return outcome, fmt.Errorf("failed to execute locally: %w", runErr)
	}

	return outcome, nil
}

// Destroy removes the working directory. Idempotent.
func (b *LocalBackend) Destroy(env *Environment) error {
	if env == nil {
		return nil
	}
	env.destroyOnce.Do(func() {
		if env.Workdir == "" {
			return
		}
		if err := b.fs.RemoveAll(env.Workdir); err != nil {
			b.logger.Error("failed to remove workdir",
				zap.String("path", env.Workdir), zap.Error(err))
		}
	})
	return nil
}

// Reap is a no-op: local environments are plain directories under the
// temp root and do not outlive the process in a way worth chasing
func (b *LocalBackend) Reap(_ context.Context, _ string) (int, error) {
	return 0, nil
}
