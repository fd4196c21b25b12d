package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProvisionSpec describes the environment a backend should materialize
type ProvisionSpec struct {
	Language Language
	Packages []string // installed before the code runs, language-specific
	Epoch    string   // provisioning epoch tag, used for orphan cleanup

	// DatasetHostPath/DatasetMountPath describe the shared read-only
	// dataset mount. Both empty when the request does not use it.
	DatasetHostPath  string
	DatasetMountPath string
}

// Environment is one isolated compute unit. It is owned by exactly one
// execution for its whole lifetime and never reused.
type Environment struct {
	ID       string
	Language Language
	Workdir  string

	container   string // container name, empty for the local backend
	destroyOnce sync.Once
}

// RawOutcome is the backend-level result of running code in an environment
type RawOutcome struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Backend defines the isolation backend contract.
//
// Destroy is idempotent and safe to call on an environment whose
// provisioning partially failed; every code path that provisions an
// environment must guarantee a matching Destroy.
type Backend interface {
	Provision(ctx context.Context, spec ProvisionSpec) (*Environment, error)
	Run(ctx context.Context, env *Environment, code string) (RawOutcome, error)
	Destroy(env *Environment) error

	// Reap destroys environments stamped with an epoch other than
	// keepEpoch and returns how many were removed. Used on startup to
	// clean up environments orphaned by a previous process.
	Reap(ctx context.Context, keepEpoch string) (int, error)
}

// Config holds backend-independent execution settings
type Config struct {
	MemoryMB       int
	MaxOutputBytes int
	NetworkEnabled bool

	// Per-language overrides from the application configuration
	Images map[Language]string
	Env    map[Language]map[string]string
}

// ProvisionError reports that the backend could not allocate an
// environment. It is an infrastructure failure, distinct from anything
// the submitted code did.
type ProvisionError struct {
	Backend string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s: failed to provision environment: %v", e.Backend, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// InstallError reports that installing the requested packages failed.
// The code never ran; Output carries the installer's captured output.
type InstallError struct {
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("package installation failed: %v", e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, args []string, stdout, stderr io.Writer) (exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments, streaming output
// into the supplied writers
func (RealCommandRunner) RunCommand(ctx context.Context, dir string, args []string, stdout, stderr io.Writer) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Argv is assembled from the runtime table, not the request
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			return exitError.ExitCode(), nil
		}
		return 0, err
	}

	return 0, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// CappedBuffer is a write sink that stops growing past a fixed byte cap.
// Writes past the cap are discarded and the buffer is marked truncated,
// so a runaway program cannot grow service memory unbounded.
type CappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	cap       int
	truncated bool
}

// NewCappedBuffer creates a buffer that retains at most max bytes
func NewCappedBuffer(max int) *CappedBuffer {
	return &CappedBuffer{cap: max}
}

// Write implements io.Writer. It never returns an error: the process
// writing into the sandbox streams must not fail because the service
// stopped retaining output.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.cap - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the retained output
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether any output was discarded
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
