// Package engine orchestrates sandboxed code execution. For each request
// it validates the artifact, resolves the interpreter, materializes the
// source into a fresh scoped temp directory, and runs it through the
// process runner. Every execution-level failure — unsupported language,
// runtime error, timeout — is folded into a structured Result; only
// caller misuse (executing a non-code artifact) and cancellation surface
// as errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/language"
	"github.com/loomworks/loom/internal/runner"
)

// Kind classifies why an execution failed. The compatibility strings in
// Result.Error ("timeout ...", the language name) are preserved for
// clients that pattern-match; Kind is the structured form.
type Kind string

const (
	// KindTimeout means the process exceeded its wall-clock budget.
	KindTimeout Kind = "timeout"
	// KindUnsupportedLanguage means the dispatch table had no entry.
	KindUnsupportedLanguage Kind = "unsupported_language"
	// KindRuntime means the process exited non-zero on its own.
	KindRuntime Kind = "runtime"
	// KindSpawn means the process could not be started at all.
	KindSpawn Kind = "spawn"
)

// Result is the structured outcome of one execution attempt.
//
// Invariant: Success == (ReturnCode == 0 && the process did not time
// out). ReturnCode -1 is a sentinel for "no legitimate exit status"
// (timeout, unsupported language, spawn failure); ErrorKind
// distinguishes those cases.
type Result struct {
	Success       bool    `json:"success"`
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ErrorKind     Kind    `json:"error_kind,omitempty"`
	ReturnCode    int     `json:"return_code"`
	ExecutionTime float64 `json:"execution_time_seconds"`
}

// UnexecutableError reports an attempt to execute a non-code artifact.
// It names the artifact's actual type so API callers see what they sent.
type UnexecutableError struct {
	Type string
}

func (e *UnexecutableError) Error() string {
	return fmt.Sprintf("artifact type %q is not executable", e.Type)
}

// nonExecutable lists artifact languages that are content, not code.
var nonExecutable = map[string]bool{
	"markdown":  true,
	"md":        true,
	"html":      true,
	"svg":       true,
	"mermaid":   true,
	"text":      true,
	"plaintext": true,
	"json":      true,
	"yaml":      true,
	"csv":       true,
}

// ProcessRunner is the runner surface the engine depends on. Tests
// substitute a fake to count spawns.
type ProcessRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Outcome, error)
}

// Config tunes the engine.
type Config struct {
	// DefaultTimeout applies when the request timeout is zero.
	DefaultTimeout time.Duration
	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration
	// MaxConcurrent bounds simultaneous executions process-wide.
	MaxConcurrent int64
}

// Engine executes artifacts. Calls are independent and stateless:
// concurrent executions never share a working directory or process
// group, so the only coordination is the concurrency semaphore.
type Engine struct {
	langs          *language.Table
	proc           ProcessRunner
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	bus            *events.Bus
	logger         *slog.Logger
}

// New creates an Engine. bus may be nil.
func New(cfg Config, langs *language.Table, proc ProcessRunner, bus *events.Bus, logger *slog.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		langs:          langs,
		proc:           proc,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		bus:            bus,
		logger:         logger,
	}
}

// Execute runs the artifact's content with the given timeout and maps the
// outcome to a Result. It returns an error only for non-code artifacts
// (*UnexecutableError) and context cancellation; everything else is in
// the Result.
func (e *Engine) Execute(ctx context.Context, art *artifact.Artifact, timeout time.Duration) (*Result, error) {
	lang := language.Canonical(art.Language)
	if nonExecutable[lang] {
		return nil, &UnexecutableError{Type: art.Language}
	}

	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	// Resolve before creating anything: unknown languages must fail fast
	// with no directory created and no process spawned.
	spec, err := e.langs.Resolve(art.Language)
	if err != nil {
		var unsup *language.UnsupportedError
		if errors.As(err, &unsup) {
			e.logger.Debug("execution rejected", "artifact", art.ID, "language", art.Language)
			return &Result{
				Error:      err.Error(),
				ErrorKind:  KindUnsupportedLanguage,
				ReturnCode: -1,
			}, nil
		}
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindExecStart,
		Data: map[string]any{
			"artifact_id": art.ID,
			"language":    spec.Name,
			"timeout_sec": timeout.Seconds(),
		},
	})

	res, err := e.run(ctx, art, spec, timeout)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindExecDone,
		Data: map[string]any{
			"artifact_id": art.ID,
			"success":     res.Success,
			"return_code": res.ReturnCode,
			"error_kind":  string(res.ErrorKind),
			"duration_ms": int64(res.ExecutionTime * 1000),
		},
	})

	e.logger.Info("execution finished",
		"artifact", art.ID,
		"language", spec.Name,
		"success", res.Success,
		"return_code", res.ReturnCode,
		"elapsed", time.Duration(res.ExecutionTime*float64(time.Second)).Round(time.Millisecond),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, art *artifact.Artifact, spec language.Spec, timeout time.Duration) (*Result, error) {
	dir, err := os.MkdirTemp("", "loom-exec-")
	if err != nil {
		return &Result{
			Error:      fmt.Sprintf("create working directory: %v", err),
			ErrorKind:  KindSpawn,
			ReturnCode: -1,
		}, nil
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "main."+spec.Extension)
	if err := os.WriteFile(file, []byte(art.Content), 0o600); err != nil {
		return &Result{
			Error:      fmt.Sprintf("materialize artifact: %v", err),
			ErrorKind:  KindSpawn,
			ReturnCode: -1,
		}, nil
	}

	out, err := e.proc.Run(ctx, runner.Request{
		Command: spec.Binary,
		Args:    spec.Args(file),
		Dir:     dir,
		Timeout: timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			Error:      err.Error(),
			ErrorKind:  KindSpawn,
			ReturnCode: -1,
		}, nil
	}

	res := &Result{
		Output:        out.Stdout,
		ReturnCode:    out.ExitCode,
		ExecutionTime: out.Elapsed.Seconds(),
	}

	switch {
	case out.TimedOut:
		// The word "timeout" in the error string is a compatibility
		// contract; clients pattern-match it.
		res.Error = fmt.Sprintf("execution timeout after %s", timeout)
		res.ErrorKind = KindTimeout
	case out.ExitCode != 0:
		res.Error = out.Stderr
		if res.Error == "" {
			res.Error = fmt.Sprintf("process exited with status %d", out.ExitCode)
		}
		res.ErrorKind = KindRuntime
	default:
		res.Success = true
		// Warnings on stderr from a successful run still reach the caller.
		res.Error = out.Stderr
	}

	return res, nil
}
