package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/stream"
)

// Executor is the engine surface the dispatcher needs. Tests fake it.
type Executor interface {
	Execute(ctx context.Context, art *artifact.Artifact, timeout time.Duration) (*engine.Result, error)
}

// Dispatcher routes mid-stream tool calls. It emits tool_start onto the
// session bus immediately and tool_result when the call settles; it
// never fails the session — every failure mode becomes an unsuccessful
// tool_result.
type Dispatcher struct {
	artifacts      artifact.Store
	engine         Executor
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(artifacts artifact.Store, eng Executor, defaultTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		artifacts:      artifacts,
		engine:         eng,
		registry:       NewRegistry(),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Registry returns the dispatcher's tool registry. Callers may register
// additional tools with string handlers before the first session runs.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch handles one tool call end to end: tool_start, execution,
// tool_result. Blocking — callers run it in its own goroutine so the
// session consumer keeps draining the bus while code executes.
func (d *Dispatcher) Dispatch(ctx context.Context, bus *stream.Bus, call model.ToolCall) {
	if err := bus.Publish(ctx, stream.ToolStart{
		CallID: call.ID,
		Name:   call.Name,
		Args:   call.Args,
	}); err != nil {
		d.logger.Debug("tool_start publish failed", "call", call.ID, "error", err)
		return
	}

	result := d.invoke(ctx, call)
	result.CallID = call.ID
	result.Name = call.Name

	if err := bus.Publish(ctx, result); err != nil {
		d.logger.Debug("tool_result publish failed", "call", call.ID, "error", err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, call model.ToolCall) stream.ToolResult {
	if call.Name != ExecuteCodeTool {
		// Registered string-handler tools run in-process; anything else
		// is reported unavailable rather than failing the session.
		argsJSON, _ := json.Marshal(call.Args)
		out, err := d.registry.Execute(ctx, call.Name, string(argsJSON))
		if err != nil {
			return stream.ToolResult{
				Error:      err.Error(),
				ReturnCode: -1,
			}
		}
		return stream.ToolResult{
			Success: true,
			Output:  out,
		}
	}

	artifactID, _ := call.Args["artifact_id"].(string)
	if artifactID == "" {
		return stream.ToolResult{
			Error:      "artifact_id is required",
			ReturnCode: -1,
		}
	}

	timeout := d.defaultTimeout
	if sec, ok := call.Args["timeout"].(float64); ok && sec > 0 {
		timeout = time.Duration(sec) * time.Second
	}

	art, err := d.artifacts.Get(artifactID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return stream.ToolResult{
				Error:      fmt.Sprintf("Artifact not found: %s", artifactID),
				ReturnCode: -1,
			}
		}
		return stream.ToolResult{
			Error:      fmt.Sprintf("load artifact: %v", err),
			ReturnCode: -1,
		}
	}

	d.logger.Info("tool exec",
		"tool", call.Name,
		"call", call.ID,
		"artifact", art.ID,
		"language", art.Language,
		"timeout", timeout,
	)

	res, err := d.engine.Execute(ctx, art, timeout)
	if err != nil {
		// Unexecutable artifact or cancellation; both fold into the
		// tool result rather than aborting the session.
		return stream.ToolResult{
			Error:      err.Error(),
			ReturnCode: -1,
		}
	}

	return stream.ToolResult{
		Success:       res.Success,
		Output:        res.Output,
		Error:         res.Error,
		ReturnCode:    res.ReturnCode,
		ExecutionTime: res.ExecutionTime,
	}
}
