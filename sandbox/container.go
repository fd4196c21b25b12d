package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// epochLabel tags every container with the provisioning epoch of the
// process that created it, so a later process can reap leftovers.
const epochLabel = "runbox.epoch"

// destroyTimeout bounds how long a forced teardown may take
const destroyTimeout = 10 * time.Second

// containerBackend implements Backend on top of a container runtime CLI.
// Docker and Podman share the same command surface, so both are thin
// wrappers over this type.
type containerBackend struct {
	runtime string // "docker" or "podman"
	logger  *zap.Logger
	config  *Config
	cmd     CommandRunner
	fs      FileSystem
}

// ContainerOption defines a functional option for container backends
type ContainerOption func(*containerBackend)

// WithCommandRunner sets the CommandRunner for a container backend
func WithCommandRunner(cmd CommandRunner) ContainerOption {
	return func(b *containerBackend) {
		b.cmd = cmd
	}
}

// WithFileSystem sets the FileSystem for a container backend
func WithFileSystem(fs FileSystem) ContainerOption {
	return func(b *containerBackend) {
		b.fs = fs
	}
}

// NewDockerBackend creates a Backend that isolates executions in Docker containers
func NewDockerBackend(logger *zap.Logger, config *Config, opts ...ContainerOption) Backend {
	return newContainerBackend("docker", logger, config, opts...)
}

// NewPodmanBackend creates a Backend that isolates executions in Podman containers
func NewPodmanBackend(logger *zap.Logger, config *Config, opts ...ContainerOption) Backend {
	return newContainerBackend("podman", logger, config, opts...)
}

func newContainerBackend(runtime string, logger *zap.Logger, config *Config, opts ...ContainerOption) *containerBackend {
	backend := &containerBackend{
		runtime: runtime,
		logger:  logger,
		config:  config,
		cmd:     &RealCommandRunner{}, // Default implementation
		fs:      &RealFileSystem{},    // Default implementation
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Provision materializes a fresh container for one execution. The
// container idles until Run injects the code; packages, when requested,
// are installed here so that install time counts against the caller's
// deadline.
func (b *containerBackend) Provision(ctx context.Context, spec ProvisionSpec) (*Environment, error) {
	rt, err := spec.Language.spec()
	if err != nil {
		return nil, &ProvisionError{Backend: b.runtime, Err: err}
	}

	if len(spec.Packages) > 0 && !spec.Language.SupportsPackages() {
		return nil, &InstallError{
			Output: "",
			Err:    fmt.Errorf("language %q has no package installer", spec.Language),
		}
	}

	env := &Environment{
		ID:       uuid.NewString(),
		Language: spec.Language,
	}
	env.container = "runbox-" + env.ID[:8]

	workdir, err := b.fs.MkdirTemp("", "runbox-exec-*")
	if err != nil {
		return nil, &ProvisionError{Backend: b.runtime, Err: fmt.Errorf("failed to create workdir: %w", err)}
	}
	env.Workdir = workdir

	args := []string{
		b.runtime, "run", "-d",
		"--name", env.container,
		"--label", fmt.Sprintf("%s=%s", epochLabel, spec.Epoch),
		"-v", fmt.Sprintf("%s:/workdir", workdir),
		"--workdir", "/workdir",
		"--memory", fmt.Sprintf("%dm", b.config.MemoryMB),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}

	if b.config.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	if spec.DatasetHostPath != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", spec.DatasetHostPath, spec.DatasetMountPath))
	}

	for key, value := range b.config.Env[spec.Language] {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}

	args = append(args, b.imageFor(spec.Language, rt), "tail", "-f", "/dev/null")

	var stdout, stderr strings.Builder
	exitCode, err := b.cmd.RunCommand(ctx, "", args, &stdout, &stderr)
	if err != nil || exitCode != 0 {
		b.destroyPartial(env)
		if err == nil {
			err = fmt.Errorf("%s run exited %d: %s", b.runtime, exitCode, strings.TrimSpace(stderr.String()))
		}
		return nil, &ProvisionError{Backend: b.runtime, Err: err}
	}

	if len(spec.Packages) > 0 {
		if installErr := b.installPackages(ctx, env, rt, spec.Packages); installErr != nil {
			b.destroyPartial(env)
			return nil, installErr
		}
	}

	b.logger.Debug("environment provisioned",
		zap.String("backend", b.runtime),
		zap.String("environment", env.container),
		zap.String("language", string(spec.Language)))

	return env, nil
}

// installPackages runs the language's installer inside the container
func (b *containerBackend) installPackages(ctx context.Context, env *Environment, rt runtimeSpec, packages []string) error {
	args := []string{b.runtime, "exec", "-w", "/workdir", env.container}
	args = append(args, rt.InstallCmd...)
	args = append(args, packages...)

	out := NewCappedBuffer(b.config.MaxOutputBytes)
	exitCode, err := b.cmd.RunCommand(ctx, "", args, out, out)
	if err != nil {
		return &InstallError{Output: out.String(), Err: err}
	}
	if exitCode != 0 {
		return &InstallError{
			Output: out.String(),
			Err:    fmt.Errorf("installer exited %d", exitCode),
		}
	}
	return nil
}

// Run writes the code into the environment's workdir and executes it,
// capturing both streams up to the configured cap
func (b *containerBackend) Run(ctx context.Context, env *Environment, code string) (RawOutcome, error) {
	rt, err := env.Language.spec()
	if err != nil {
		return RawOutcome{}, err
	}

	codePath := filepath.Join(env.Workdir, rt.Filename)
	if writeErr := b.fs.WriteFile(codePath, []byte(code), FilePermission); writeErr != nil {
		return RawOutcome{}, fmt.Errorf("failed to write user code: %w", writeErr)
	}

	args := []string{
		b.runtime, "exec", "-w", "/workdir", env.container,
		"sh", "-c", rt.RunCmd,
	}

	stdout := NewCappedBuffer(b.config.MaxOutputBytes)
	stderr := NewCappedBuffer(b.config.MaxOutputBytes)

	start := time.Now()
	exitCode, runErr := b.cmd.RunCommand(ctx, "", args, stdout, stderr)

	outcome := RawOutcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	// Partial output captured before a cancellation or infrastructure
	// failure is still returned alongside the error.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, ctxErr
	}
	if runErr != nil {
		return outcome, fmt.Errorf("failed to execute in container: %w", runErr)
	}

	return outcome, nil
}

// Destroy forcibly removes the environment's container and workdir.
// It is idempotent: repeated calls on the same environment are no-ops.
func (b *containerBackend) Destroy(env *Environment) error {
	if env == nil {
		return nil
	}
	env.destroyOnce.Do(func() {
		b.teardown(env)
	})
	return nil
}

// destroyPartial cleans up after a provisioning failure without
// consuming the environment's destroyOnce, since the environment is
// never handed to the caller.
func (b *containerBackend) destroyPartial(env *Environment) {
	b.teardown(env)
}

func (b *containerBackend) teardown(env *Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	var stdout, stderr strings.Builder
	exitCode, err := b.cmd.RunCommand(ctx, "", []string{b.runtime, "rm", "-f", env.container}, &stdout, &stderr)
	if err != nil {
		b.logger.Warn("failed to remove container",
			zap.String("environment", env.container), zap.Error(err))
	} else if exitCode != 0 && !strings.Contains(strings.ToLower(stderr.String()), "no such") {
		b.logger.Warn("container removal exited nonzero",
			zap.String("environment", env.container),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
	}

	if env.Workdir != "" {
		if rmErr := b.fs.RemoveAll(env.Workdir); rmErr != nil {
			b.logger.Error("failed to remove workdir",
				zap.String("path", env.Workdir), zap.Error(rmErr))
		}
	}
}

// Reap removes containers stamped with a different provisioning epoch
func (b *containerBackend) Reap(ctx context.Context, keepEpoch string) (int, error) {
	args := []string{
		b.runtime, "ps", "-a",
		"--filter", "label=" + epochLabel,
		"--format", fmt.Sprintf("{{.Names}}\t{{.Label %q}}", epochLabel),
	}

	var stdout, stderr strings.Builder
	exitCode, err := b.cmd.RunCommand(ctx, "", args, &stdout, &stderr)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("%s ps exited %d: %s", b.runtime, exitCode, strings.TrimSpace(stderr.String()))
	}

	reaped := 0
	for _, line := range strings.Split(stdout.String(), "\n") {
		name, epoch, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || name == "" || epoch == keepEpoch {
			continue
		}

		var rmOut strings.Builder
		if _, rmErr := b.cmd.RunCommand(ctx, "", []string{b.runtime, "rm", "-f", name}, &rmOut, &rmOut); rmErr != nil {
			b.logger.Warn("failed to reap stale container",
				zap.String("container", name), zap.Error(rmErr))
			continue
		}
		b.logger.Info("reaped stale container",
			zap.String("container", name), zap.String("epoch", epoch))
		reaped++
	}

	return reaped, nil
}

// imageFor resolves the container image, preferring configuration overrides
func (b *containerBackend) imageFor(lang Language, rt runtimeSpec) string {
	if image, ok := b.config.Images[lang]; ok && image != "" {
		return image
	}
	return rt.Image
}
