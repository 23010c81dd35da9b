package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrWorkerNotStarted = errors.New("worker not started")
	ErrWorkerInProgress = errors.New("worker in progress")
)

// maxLineSize caps a single line of worker output; longer lines are split.
const maxLineSize = 1 << 20

// LineFunc receives every line a worker writes, without the trailing newline.
type LineFunc func(ctx context.Context, line string)

type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrWorkerNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string // nil inherits the environment of scraperd
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Dir      string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	TimedOut bool
	Err      error
}

// ExitCode returns the exit code of a finished process or -1.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Success reports a process which exited with code 0. A leftover child
// holding the output open past WaitDelay does not change that.
func (r Result) Success() bool {
	return (r.Err == nil || errors.Is(r.Err, exec.ErrWaitDelay)) && r.ExitCode() == 0
}

// Start runs the underlying process, it ensures only a single instance is
// active and returns ErrWorkerInProgress or an exec error, otherwise nil.
// It does NOT wait on the command to finish, use WaitChan for that.
// Output lines are passed to stdoutFunc and stderrFunc as they arrive,
// nil funcs discard the stream.
func (r *Runner) Start(ctx context.Context, proto Command, stdoutFunc, stderrFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrWorkerInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Dir:  proto.Dir,
	}

	var cancel context.CancelFunc
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append([]string(nil), proto.Env...)
	}
	// grandchildren may hold the pipes open after a kill
	cmd.WaitDelay = time.Second

	stdout := newLineWriter(ctx, stdoutFunc)
	stderr := newLineWriter(ctx, stderrFunc)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.cancelFunc = cancel

	go r.wait(ctx, cmd, cancel, stdout, stderr)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, cancel context.CancelFunc, outs ...*lineWriter) {
	err := cmd.Wait()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()
	for _, w := range outs {
		w.Flush()
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.TimedOut = timedOut
	r.result.Err = err
	r.cmd = nil
	r.cancelFunc = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once the program ends. If nothing runs,
// the last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the last command result
// or result with ErrWorkerNotStarted if nothing has been executed yet.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Close kills a running process. Use WaitChan to wait for its end.
func (r *Runner) Close() {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

// lineWriter splits a byte stream into lines. os/exec calls Write from a
// single goroutine per stream.
type lineWriter struct {
	ctx context.Context
	fn  LineFunc
	buf []byte
}

func newLineWriter(ctx context.Context, fn LineFunc) *lineWriter {
	return &lineWriter{ctx: ctx, fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			if len(w.buf) >= maxLineSize {
				w.Flush()
			}
			break
		}
		w.buf = append(w.buf, p[:i]...)
		w.Flush()
		p = p[i+1:]
	}
	return n, nil
}

// Flush emits a pending partial line.
func (w *lineWriter) Flush() {
	if w.fn == nil || len(w.buf) == 0 {
		w.buf = w.buf[:0]
		return
	}
	line := string(bytes.TrimSuffix(w.buf, []byte{'\r'}))
	w.buf = w.buf[:0]
	w.fn(w.ctx, line)
}
