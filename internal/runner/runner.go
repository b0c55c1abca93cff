// Package runner spawns and supervises one OS process per execution
// request. Each process runs in its own process group so that timeout and
// cancellation kills reach forked children, not just the group leader.
// Stdout and stderr are drained concurrently while the process runs, so
// partial output captured before a forced termination is never lost.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultTimeout applies when a request does not set one.
	DefaultTimeout = 30 * time.Second

	// DefaultGracePeriod is how long a process group gets between
	// SIGTERM and SIGKILL.
	DefaultGracePeriod = 2 * time.Second

	// DefaultMaxOutputBytes caps captured stdout and stderr, each.
	DefaultMaxOutputBytes = 100 * 1024
)

// Request describes one process invocation.
type Request struct {
	Command string
	Args    []string
	Stdin   string
	// Dir is the working directory. If empty, the runner creates a
	// scratch directory and removes it before returning.
	Dir     string
	Timeout time.Duration
}

// Outcome is the observed result of a finished (or killed) process.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// TimedOut is true when the process group was terminated because it
	// exceeded the request timeout. ExitCode is -1 in that case, never a
	// legitimate process exit status.
	TimedOut bool
	Elapsed  time.Duration
}

// Runner executes requests. The zero value is not usable; call New.
type Runner struct {
	gracePeriod    time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

// Config tunes runner behavior. Zero fields use package defaults.
type Config struct {
	GracePeriod    time.Duration
	MaxOutputBytes int
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		gracePeriod:    cfg.GracePeriod,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         logger,
	}
}

// Run spawns the process and blocks until it exits, times out, or ctx is
// cancelled. A timeout is reported in the Outcome (ExitCode -1, TimedOut
// true), not as an error. The returned error is reserved for spawn
// failures and context cancellation; in both cases any scratch directory
// the runner created has already been removed.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dir := req.Dir
	if dir == "" {
		scratch, err := os.MkdirTemp("", "loom-run-")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(scratch)
		dir = scratch
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = dir
	// Own process group: group-wide signals reach forked children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Command, err)
	}
	pid := cmd.Process.Pid

	var stdout, stderr bytes.Buffer
	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		io.Copy(&limitedWriter{buf: &stdout, max: r.maxOutputBytes}, stdoutPipe)
	}()
	go func() {
		defer drain.Done()
		io.Copy(&limitedWriter{buf: &stderr, max: r.maxOutputBytes}, stderrPipe)
	}()

	// Wait must not run until both pipes hit EOF.
	waitCh := make(chan error, 1)
	go func() {
		drain.Wait()
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	outcome := &Outcome{}
	var waitErr error

	select {
	case waitErr = <-waitCh:
		// Process exited on its own.
	case <-timer.C:
		r.logger.Warn("process timed out, terminating group",
			"command", req.Command, "pid", pid, "timeout", timeout)
		waitErr = r.terminate(pid, waitCh)
		outcome.TimedOut = true
	case <-ctx.Done():
		r.logger.Debug("context cancelled, terminating group",
			"command", req.Command, "pid", pid)
		r.terminate(pid, waitCh)
		return nil, ctx.Err()
	}

	outcome.Elapsed = time.Since(start)
	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()

	switch {
	case outcome.TimedOut:
		outcome.ExitCode = -1
	case waitErr == nil:
		outcome.ExitCode = 0
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("wait %s: %w", req.Command, waitErr)
		}
	}

	return outcome, nil
}

// terminate signals the whole process group with SIGTERM, waits one grace
// period, and escalates to SIGKILL if the process has not exited. It
// always drains waitCh so the Wait goroutine cannot leak. Safe to call on
// an already-dead group (kill errors are ignored).
func (r *Runner) terminate(pid int, waitCh <-chan error) error {
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(r.gracePeriod):
	}

	r.logger.Warn("process ignored SIGTERM, escalating to SIGKILL", "pid", pid)
	syscall.Kill(-pid, syscall.SIGKILL)
	return <-waitCh
}

// limitedWriter keeps the first max bytes and notes the truncation once.
// It never returns an error: the pipe must keep draining to EOF even
// after the cap is reached, or the child would block on a full buffer.
type limitedWriter struct {
	buf       *bytes.Buffer
	max       int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	room := w.max - w.buf.Len()
	switch {
	case room >= n:
		w.buf.Write(p)
	case room > 0:
		w.buf.Write(p[:room])
		w.markTruncated()
	default:
		w.markTruncated()
	}
	return n, nil
}

func (w *limitedWriter) markTruncated() {
	if w.truncated {
		return
	}
	w.truncated = true
	w.buf.WriteString("\n\n[... output truncated ...]")
}
