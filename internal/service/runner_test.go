package service_test

import (
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/service"

	"github.com/stretchr/testify/require"
)

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

type collector struct {
	mx  sync.Mutex
	buf strings.Builder
}

func (c *collector) write(chunk string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.buf.WriteString(chunk)
}

func (c *collector) String() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.buf.String()
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, service.ErrNotStarted)
		require.Equal(t, -1, res.ExitCode())
		require.ErrorIs(t, runner.Kill(), service.ErrNotStarted)
	})

	var out collector
	cmd := service.Command{
		Shell: sh,
		Line:  "echo stdout; echo stderr 1>&2; sleep 0.1; exit 3",
		Env:   []string{"LC_ALL=C"},
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, out.write)
		require.NoError(t, err)
		res := runner.Result()
		require.NoError(t, res.Err)
		require.NotZero(t, res.PID)
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(ctx, cmd, nil)
		require.ErrorIs(t, err, service.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, cmd.Line, res.Line)
		require.NotZero(t, res.Started)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Equal(t, 3, res.ExitCode())
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)
		require.Equal(t, "stdout\nstderr\n", out.String())
	})
	t.Run("wait after exit", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, 3, res.ExitCode())
		require.NoError(t, runner.Kill())
	})
	t.Run("exec error", func(t *testing.T) {
		r := service.NewRunner()
		err := r.Start(ctx, service.Command{Shell: "does not exist", Line: "true"}, nil)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, "does not exist", execErr.Name)
		require.ErrorIs(t, r.Result().Err, execErr.Err)
	})
}

func TestRunnerKill(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	// the child sleep shares the process group of the shell
	err := runner.Start(t.Context(), service.Command{Shell: sh, Line: "sleep 30; echo never"}, nil)
	require.NoError(t, err)

	require.NoError(t, runner.Kill())
	select {
	case res := <-runner.WaitChan():
		require.Equal(t, -1, res.ExitCode())
		require.Error(t, res.Err)
	case <-time.After(10 * time.Second):
		_ = runner.ForceKill()
		t.Fatal("process survived SIGTERM")
	}
}

func TestRunnerLargeOutput(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	var out collector
	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{Shell: sh, Line: "i=0; while [ $i -lt 2000 ]; do echo line$i; i=$((i+1)); done"}, out.write)
	require.NoError(t, err)
	res := <-runner.WaitChan()
	require.Zero(t, res.ExitCode())

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 2000)
	require.Equal(t, "line0", lines[0])
	require.Equal(t, "line1999", lines[1999])
}
