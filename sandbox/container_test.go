package sandbox

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// fakeRunner implements CommandRunner for testing. Results are keyed by
// the first two argv words ("docker run", "docker exec", ...).
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]fakeResult
}

func (f *fakeRunner) RunCommand(ctx context.Context, _ string, args []string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}

	key := strings.Join(args[:min(2, len(args))], " ")
	res := f.results[key]
	io.WriteString(stdout, res.stdout)
	io.WriteString(stderr, res.stderr)
	return res.exitCode, res.err
}

func (f *fakeRunner) callsMatching(prefix string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched [][]string
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			matched = append(matched, call)
		}
	}
	return matched
}

type fakeFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string][]byte)}
}

func (f *fakeFS) MkdirTemp(_, _ string) (string, error) {
	return "/tmp/runbox-exec-test", nil
}

func (f *fakeFS) WriteFile(filename string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = data
	return nil
}

func (f *fakeFS) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func testBackend(t *testing.T, runner *fakeRunner, fs *fakeFS) *containerBackend {
	t.Helper()
	cfg := &Config{
		MemoryMB:       512,
		MaxOutputBytes: 1024,
	}
	return newContainerBackend("docker", zaptest.NewLogger(t), cfg,
		WithCommandRunner(runner), WithFileSystem(fs))
}

func TestContainerProvision(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		backend := testBackend(t, runner, newFakeFS())

		env, err := backend.Provision(context.Background(), ProvisionSpec{
			Language: LanguagePython,
			Epoch:    "e1",
		})
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "/tmp/runbox-exec-test", env.Workdir)

		runs := runner.callsMatching("docker run")
		require.Len(t, runs, 1)
		argv := strings.Join(runs[0], " ")
		assert.Contains(t, argv, "--network none")
		assert.Contains(t, argv, "--memory 512m")
		assert.Contains(t, argv, "--cap-drop ALL")
		assert.Contains(t, argv, "--label runbox.epoch=e1")
		assert.Contains(t, argv, "python:3.11-slim")
		assert.NotContains(t, argv, ":ro")
	})

	t.Run("DatasetMountedReadOnly", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		backend := testBackend(t, runner, newFakeFS())

		_, err := backend.Provision(context.Background(), ProvisionSpec{
			Language:         LanguagePython,
			Epoch:            "e1",
			DatasetHostPath:  "/bucket_data",
			DatasetMountPath: "/data",
		})
		require.NoError(t, err)

		runs := runner.callsMatching("docker run")
		require.Len(t, runs, 1)
		assert.Contains(t, strings.Join(runs[0], " "), "/bucket_data:/data:ro")
	})

	t.Run("ImageOverride", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		cfg := &Config{
			MemoryMB:       512,
			MaxOutputBytes: 1024,
			Images:         map[Language]string{LanguagePython: "python:3.12"},
		}
		backend := newContainerBackend("docker", zaptest.NewLogger(t), cfg,
			WithCommandRunner(runner), WithFileSystem(newFakeFS()))

		_, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		runs := runner.callsMatching("docker run")
		require.Len(t, runs, 1)
		assert.Contains(t, strings.Join(runs[0], " "), "python:3.12")
	})

	t.Run("RuntimeFailureIsProvisionError", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker run": {exitCode: 125, stderr: "docker: cannot allocate memory"},
		}}
		backend := testBackend(t, runner, newFakeFS())

		_, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.Error(t, err)

		var provErr *ProvisionError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, "docker", provErr.Backend)

		// The half-created container must be cleaned up
		assert.Len(t, runner.callsMatching("docker rm"), 1)
	})

	t.Run("PackageInstall", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		backend := testBackend(t, runner, newFakeFS())

		_, err := backend.Provision(context.Background(), ProvisionSpec{
			Language: LanguagePython,
			Packages: []string{"numpy", "pandas"},
			Epoch:    "e1",
		})
		require.NoError(t, err)

		execs := runner.callsMatching("docker exec")
		require.Len(t, execs, 1)
		argv := strings.Join(execs[0], " ")
		assert.Contains(t, argv, "pip install")
		assert.Contains(t, argv, "numpy pandas")
	})

	t.Run("PackageInstallFailure", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker exec": {exitCode: 1, stderr: "No matching distribution found for nosuchpkg"},
		}}
		backend := testBackend(t, runner, newFakeFS())

		_, err := backend.Provision(context.Background(), ProvisionSpec{
			Language: LanguagePython,
			Packages: []string{"nosuchpkg"},
			Epoch:    "e1",
		})
		require.Error(t, err)

		var installErr *InstallError
		require.ErrorAs(t, err, &installErr)
		assert.Contains(t, installErr.Output, "No matching distribution")

		// Install failure must not leak the container
		assert.Len(t, runner.callsMatching("docker rm"), 1)
	})

	t.Run("PackagesForLanguageWithoutInstaller", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		backend := testBackend(t, runner, newFakeFS())

		_, err := backend.Provision(context.Background(), ProvisionSpec{
			Language: LanguageCPP,
			Packages: []string{"boost"},
			Epoch:    "e1",
		})
		require.Error(t, err)

		var installErr *InstallError
		require.ErrorAs(t, err, &installErr)
		// Nothing was created, nothing to clean up
		assert.Empty(t, runner.callsMatching("docker run"))
	})
}

func TestContainerRun(t *testing.T) {
	t.Run("CapturesOutcome", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker exec": {stdout: "4950\n", exitCode: 0},
		}}
		fs := newFakeFS()
		backend := testBackend(t, runner, fs)

		env, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		outcome, err := backend.Run(context.Background(), env, "print(sum(range(100)))")
		require.NoError(t, err)
		assert.Equal(t, "4950\n", outcome.Stdout)
		assert.Equal(t, 0, outcome.ExitCode)
		assert.False(t, outcome.Truncated)

		// Code must have been written into the workdir under the
		// language's filename
		assert.Equal(t, []byte("print(sum(range(100)))"), fs.files["/tmp/runbox-exec-test/main.py"])
	})

	t.Run("NonzeroExit", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker exec": {stderr: "Traceback (most recent call last):\n", exitCode: 1},
		}}
		backend := testBackend(t, runner, newFakeFS())

		env, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		outcome, err := backend.Run(context.Background(), env, "raise SystemExit(1)")
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.ExitCode)
		assert.Contains(t, outcome.Stderr, "Traceback")
	})

	t.Run("OutputTruncation", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker exec": {stdout: strings.Repeat("x", 4096)},
		}}
		cfg := &Config{MemoryMB: 512, MaxOutputBytes: 64}
		backend := newContainerBackend("docker", zaptest.NewLogger(t), cfg,
			WithCommandRunner(runner), WithFileSystem(newFakeFS()))

		env, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		outcome, err := backend.Run(context.Background(), env, "print('x'*4096)")
		require.NoError(t, err)
		assert.Len(t, outcome.Stdout, 64)
		assert.True(t, outcome.Truncated)
	})

	t.Run("CancelledContextReturnsPartialOutcome", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		backend := testBackend(t, runner, newFakeFS())

		env, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = backend.Run(ctx, env, "while True: pass")
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestContainerDestroy(t *testing.T) {
	t.Run("RemovesContainerAndWorkdir", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		fs := newFakeFS()
		backend := testBackend(t, runner, fs)

		env, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		require.NoError(t, backend.Destroy(env))
		assert.Len(t, runner.callsMatching("docker rm"), 1)
		assert.Equal(t, []string{"/tmp/runbox-exec-test"}, fs.removed)
	})

	t.Run("Idempotent", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{}}
		fs := newFakeFS()
		backend := testBackend(t, runner, fs)

		env, err := backend.Provision(context.Background(), ProvisionSpec{Language: LanguagePython, Epoch: "e1"})
		require.NoError(t, err)

		require.NoError(t, backend.Destroy(env))
		require.NoError(t, backend.Destroy(env))
		require.NoError(t, backend.Destroy(env))

		assert.Len(t, runner.callsMatching("docker rm"), 1)
		assert.Len(t, fs.removed, 1)
	})

	t.Run("NilEnvironment", func(t *testing.T) {
		backend := testBackend(t, &fakeRunner{}, newFakeFS())
		require.NoError(t, backend.Destroy(nil))
	})
}

func TestContainerReap(t *testing.T) {
	t.Run("RemovesStaleEpochsOnly", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker ps": {stdout: "runbox-aaaa\told-epoch\nrunbox-bbbb\tcurrent\nrunbox-cccc\told-epoch\n"},
		}}
		backend := testBackend(t, runner, newFakeFS())

		reaped, err := backend.Reap(context.Background(), "current")
		require.NoError(t, err)
		assert.Equal(t, 2, reaped)

		rms := runner.callsMatching("docker rm")
		require.Len(t, rms, 2)
		assert.Equal(t, "runbox-aaaa", rms[0][3])
		assert.Equal(t, "runbox-cccc", rms[1][3])
	})

	t.Run("NothingToReap", func(t *testing.T) {
		runner := &fakeRunner{results: map[string]fakeResult{
			"docker ps": {stdout: "runbox-aaaa\tcurrent\n"},
		}}
		backend := testBackend(t, runner, newFakeFS())

		reaped, err := backend.Reap(context.Background(), "current")
		require.NoError(t, err)
		assert.Equal(t, 0, reaped)
		assert.Empty(t, runner.callsMatching("docker rm"))
	})
}
