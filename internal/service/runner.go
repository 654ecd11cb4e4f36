package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const chunkSize = 4096

// OutputFunc receives the merged stdout and stderr of a process in
// chunks, in the order they were read.
type OutputFunc func(chunk string)

// Command is a shell command line. The line is interpreted by Shell -c,
// so redirections and pipes of tool templates keep working.
type Command struct {
	Shell string
	Line  string
	Env   []string
	Dir   string
}

type Result struct {
	Line    string
	PID     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the exit code of the process or -1 when it did not
// exit normally (was signalled or never started).
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner is a thin wrapper around os/exec running one process at a time
// in its own process group.
type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start runs the command and returns ErrInProgress or an exec error,
// otherwise nil. It does NOT wait for the command to finish, use
// WaitChan instead. out is called from an internal goroutine, the
// Result is published only after the output stream has been drained.
func (r *Runner) Start(ctx context.Context, proto Command, out OutputFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	shell := proto.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", proto.Line)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	setProcessGroup(cmd)

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	r.result = Result{
		Line:    proto.Line,
		Started: time.Now().UTC(),
	}
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.result.PID = cmd.Process.Pid

	go r.run(ctx, cmd, pipe, out)
	return nil
}

func (r *Runner) run(ctx context.Context, cmd *exec.Cmd, pipe io.Reader, out OutputFunc) {
	buf := make([]byte, chunkSize)
	for {
		n, err := pipe.Read(buf)
		if n > 0 && out != nil {
			out(string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.DebugContext(ctx, "reading process output", "error", err)
			}
			break
		}
	}

	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	waits := r.waits
	r.waits = nil
	result := r.result
	r.mx.Unlock()

	for _, ch := range waits {
		ch <- result
		close(ch)
	}
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. When nothing runs,
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

// Kill sends SIGTERM to the process group. Killing a process which has
// already terminated is not an error.
func (r *Runner) Kill() error {
	return r.signal(terminate)
}

// ForceKill sends SIGKILL to the process group.
func (r *Runner) ForceKill() error {
	return r.signal(forceKill)
}

func (r *Runner) signal(fn func(pid int) error) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		if errors.Is(r.result.Err, ErrNotStarted) {
			return ErrNotStarted
		}
		return nil
	}
	return fn(r.cmd.Process.Pid)
}

// Result returns the last command result or a result with ErrNotStarted
// if nothing has been executed yet
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}
