package sweeper_test

import (
	"bytes"
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	//go:embed internal/nmap/testdata/stage.xml
	stageXML    []byte
	sweeperPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("sweeper-ci") {
		slog.Error("cannot locate sweeper-ci binary: run go build -race -cover -covermode=atomic -o sweeper-ci ./cmd/sweeper/ first")
		os.Exit(1)
	}

	var err error
	sweeperPath, err = filepath.Abs("sweeper-ci")
	if err != nil {
		slog.Error("can't get abspath for sweeper-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for sweeper-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for sweeper-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestSweeper(t *testing.T) {
	dir := chDir(t)

	const config = `
version: 0
service:
    mode: "manual"
    verbose: true
    log: sweeper.log
scheduler:
    max_fast_processes: 2
    enable_on_import: true
tools:
    port_actions:
        - label: Grab banner
          tool: banner
          command: echo [IP]:[PORT]
    automated_attacks:
        - tool: banner
          services: ["http", "https"]
`
	creat(t, "sweeper.yaml", []byte(config))
	creat(t, "report.xml", stageXML)

	sweeper(t, "--project-dir", dir, "import", "report.xml")

	t.Run("jobs", func(t *testing.T) {
		stdout := sweeper(t, "--project-dir", dir, "jobs")
		creat(t, "jobs.txt", []byte(stdout))
		require.Equal(t, 2, strings.Count(stdout, "Finished"), stdout)
		require.Contains(t, stdout, "banner (80/tcp)")
		require.Contains(t, stdout, "banner (443/tcp)")
	})

	t.Run("active", func(t *testing.T) {
		stdout := sweeper(t, "--project-dir", dir, "jobs", "--active")
		require.NotContains(t, stdout, "Finished")
	})

	t.Run("cancel finished", func(t *testing.T) {
		_, err := run(t, "--project-dir", dir, "cancel", "1")
		require.Error(t, err)
	})

	t.Run("dismiss", func(t *testing.T) {
		sweeper(t, "--project-dir", dir, "dismiss")
		stdout := sweeper(t, "--project-dir", dir, "jobs")
		require.NotContains(t, stdout, "banner")
	})

	require.FileExists(t, "sweeper.log")
	entries, err := os.ReadDir(filepath.Join(dir, "output", "nmap"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "imported report is archived")
}

func TestInvalidConfig(t *testing.T) {
	_ = chDir(t)
	creat(t, "sweeper.yaml", []byte("version: 0\nscheduler:\n    max_fast_processes: 0\n"))
	_, err := run(t, "jobs")
	require.Error(t, err)
}

func sweeper(t *testing.T, args ...string) string {
	t.Helper()
	stdout, err := run(t, args...)
	require.NoError(t, err)
	return stdout
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, sweeperPath, append([]string{"--config", "sweeper.yaml"}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
	}
	return stdout.String(), err
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
