package service_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/ofeklabautomations/scraperd/internal/service"
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

type lines struct {
	mx    sync.Mutex
	lines []string
}

func (l *lines) add(_ context.Context, line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.lines = append(l.lines, line)
}

func (l *lines) get() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.lines...)
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrWorkerNotStarted)
		res = <-runner.WaitChan()
		require.ErrorIs(t, res.Err, service.ErrWorkerNotStarted)
	})

	cmd := service.Command{
		Path:    sh,
		Args:    []string{"-c", "exec sleep 5"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, nil, nil)
		require.NoError(t, err)
		res := runner.LastResult()
		require.NoError(t, res.Err)
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(ctx, cmd, nil, nil)
		require.ErrorIs(t, err, service.ErrWorkerInProgress)
	})
	t.Run("timeout", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, sh, res.Path)
		require.Equal(t, []string{"-c", "exec sleep 5"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Less(t, res.Stopped.Sub(res.Started), 4*time.Second)
		require.True(t, res.TimedOut)
		require.False(t, res.Success())
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := service.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.ErrorIs(t, runner.LastResult().Err, exec.ErrNotFound)
	})
	t.Run("restart", func(t *testing.T) {
		ok := service.Command{Path: sh, Args: []string{"-c", "exit 0"}, Timeout: time.Second}
		for range 3 {
			require.NoError(t, runner.Start(ctx, ok, nil, nil))
			res := <-runner.WaitChan()
			require.True(t, res.Success())
			require.Equal(t, 0, res.ExitCode())
		}
	})
}

func TestRunnerOutput(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	cmd := service.Command{
		Path:    sh,
		Args:    []string{"-c", `echo one; printf 'two\nthree'; printf 'err1\nerr2\n' 1>&2; pwd; exit 3`},
		Dir:     t.TempDir(),
		Timeout: 5 * time.Second,
	}

	var stdout, stderr lines
	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	err := runner.Start(t.Context(), cmd, stdout.add, stderr.add)
	require.NoError(t, err)
	res := <-runner.WaitChan()

	require.Equal(t, 3, res.ExitCode())
	require.False(t, res.Success())
	require.False(t, res.TimedOut)
	require.Equal(t, []string{"err1", "err2"}, stderr.get())

	out := stdout.get()
	require.Len(t, out, 3)
	require.Equal(t, "one", out[0])
	require.Equal(t, "two", out[1])
	// the partial line is joined with pwd output
	require.Contains(t, out[2], "three")
}

func TestRunnerClose(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{
		Path:    sh,
		Args:    []string{"-c", "exec sleep 10"},
		Timeout: time.Minute,
	}, nil, nil)
	require.NoError(t, err)

	ch := runner.WaitChan()
	runner.Close()
	select {
	case res := <-ch:
		require.False(t, res.Success())
		require.False(t, res.TimedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("process has not been killed")
	}
}

func TestRunnerLeftoverChild(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	var stdout lines
	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	err := runner.Start(t.Context(), service.Command{
		Path:    sh,
		Args:    []string{"-c", "echo done; sleep 3 & exit 0"},
		Timeout: 10 * time.Second,
	}, stdout.add, nil)
	require.NoError(t, err)

	res := <-runner.WaitChan()
	require.ErrorIs(t, res.Err, exec.ErrWaitDelay)
	require.Equal(t, 0, res.ExitCode())
	require.True(t, res.Success())
	require.False(t, res.TimedOut)
	require.Equal(t, []string{"done"}, stdout.get())
}
