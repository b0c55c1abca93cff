package tools

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/stream"
)

type fakeStore struct {
	artifacts map[string]*artifact.Artifact
}

func (f *fakeStore) Create(a *artifact.Artifact) error { f.artifacts[a.ID] = a; return nil }
func (f *fakeStore) Get(id string) (*artifact.Artifact, error) {
	a, ok := f.artifacts[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return a, nil
}
func (f *fakeStore) UpdateContent(id, content string) (*artifact.Artifact, error) {
	return nil, artifact.ErrNotFound
}
func (f *fakeStore) ListByConversation(string) ([]*artifact.Artifact, error) { return nil, nil }

type fakeEngine struct {
	result *engine.Result
	err    error
	calls  int
}

func (f *fakeEngine) Execute(ctx context.Context, art *artifact.Artifact, timeout time.Duration) (*engine.Result, error) {
	f.calls++
	return f.result, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// drainDispatch runs Dispatch and collects everything it published.
func drainDispatch(t *testing.T, d *Dispatcher, call model.ToolCall) []stream.Event {
	t.Helper()
	bus := stream.NewBus(16)
	d.Dispatch(context.Background(), bus, call)
	bus.Close()

	var got []stream.Event
	for e := range bus.Events() {
		got = append(got, e)
	}
	return got
}

func TestDispatchExecuteCode(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"a1": {ID: "a1", Language: "python", Content: "print('hi')"},
	}}
	eng := &fakeEngine{result: &engine.Result{
		Success: true, Output: "hi\n", ReturnCode: 0, ExecutionTime: 0.03,
	}}
	d := NewDispatcher(store, eng, 30*time.Second, discardLogger())

	events := drainDispatch(t, d, model.ToolCall{
		ID: "c1", Name: ExecuteCodeTool,
		Args: map[string]any{"artifact_id": "a1"},
	})

	if len(events) != 2 {
		t.Fatalf("got %d events, want tool_start + tool_result", len(events))
	}
	start, ok := events[0].(stream.ToolStart)
	if !ok {
		t.Fatalf("events[0] = %T, want ToolStart", events[0])
	}
	if start.CallID != "c1" || start.Name != ExecuteCodeTool {
		t.Errorf("ToolStart = %+v", start)
	}

	result, ok := events[1].(stream.ToolResult)
	if !ok {
		t.Fatalf("events[1] = %T, want ToolResult", events[1])
	}
	if !result.Success || result.Output != "hi\n" || result.ReturnCode != 0 {
		t.Errorf("ToolResult = %+v", result)
	}
	if result.ExecutionTime != 0.03 {
		t.Errorf("ExecutionTime = %v, want preserved from engine", result.ExecutionTime)
	}
	if eng.calls != 1 {
		t.Errorf("engine called %d times, want 1", eng.calls)
	}
}

func TestDispatchResultAfterStart(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"a1": {ID: "a1", Language: "python", Content: "x"},
	}}
	eng := &fakeEngine{result: &engine.Result{Success: true}}
	d := NewDispatcher(store, eng, time.Second, discardLogger())

	events := drainDispatch(t, d, model.ToolCall{
		ID: "c2", Name: ExecuteCodeTool, Args: map[string]any{"artifact_id": "a1"},
	})

	startIdx, resultIdx := -1, -1
	for i, e := range events {
		switch e.(type) {
		case stream.ToolStart:
			startIdx = i
		case stream.ToolResult:
			resultIdx = i
		}
	}
	if startIdx == -1 || resultIdx == -1 || resultIdx < startIdx {
		t.Errorf("tool_result must follow tool_start: start=%d result=%d", startIdx, resultIdx)
	}
}

func TestDispatchMissingArtifact(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{}}
	eng := &fakeEngine{}
	d := NewDispatcher(store, eng, time.Second, discardLogger())

	events := drainDispatch(t, d, model.ToolCall{
		ID: "c3", Name: ExecuteCodeTool, Args: map[string]any{"artifact_id": "ghost"},
	})

	result := events[len(events)-1].(stream.ToolResult)
	if result.Success {
		t.Error("Success = true for missing artifact")
	}
	if !strings.Contains(result.Error, "Artifact not found") {
		t.Errorf("Error = %q", result.Error)
	}
	if eng.calls != 0 {
		t.Errorf("engine called %d times for missing artifact, want 0", eng.calls)
	}
}

func TestDispatchUnknownToolIsStub(t *testing.T) {
	d := NewDispatcher(&fakeStore{artifacts: map[string]*artifact.Artifact{}}, &fakeEngine{}, time.Second, discardLogger())

	events := drainDispatch(t, d, model.ToolCall{ID: "c4", Name: "web_search"})

	result := events[len(events)-1].(stream.ToolResult)
	if result.Success {
		t.Error("stub tool reported success")
	}
	if !strings.Contains(result.Error, "web_search") {
		t.Errorf("Error = %q, want it to name the tool", result.Error)
	}
}

func TestDispatchRegisteredHandlerTool(t *testing.T) {
	d := NewDispatcher(&fakeStore{artifacts: map[string]*artifact.Artifact{}}, &fakeEngine{}, time.Second, discardLogger())
	d.Registry().Register(&Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	})

	events := drainDispatch(t, d, model.ToolCall{
		ID: "c6", Name: "echo", Args: map[string]any{"text": "pong"},
	})

	result := events[len(events)-1].(stream.ToolResult)
	if !result.Success || result.Output != "pong" {
		t.Errorf("ToolResult = %+v, want handler output", result)
	}
}

func TestDispatchTimeoutResultPreserved(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"a1": {ID: "a1", Language: "python", Content: "while True: pass"},
	}}
	eng := &fakeEngine{result: &engine.Result{
		Success:       false,
		Error:         "execution timeout after 2s",
		ErrorKind:     engine.KindTimeout,
		ReturnCode:    -1,
		ExecutionTime: 2.4,
	}}
	d := NewDispatcher(store, eng, time.Second, discardLogger())

	events := drainDispatch(t, d, model.ToolCall{
		ID: "c5", Name: ExecuteCodeTool,
		Args: map[string]any{"artifact_id": "a1", "timeout": float64(2)},
	})

	result := events[len(events)-1].(stream.ToolResult)
	if result.ReturnCode != -1 {
		t.Errorf("ReturnCode = %d, want -1 preserved", result.ReturnCode)
	}
	if !strings.Contains(result.Error, "timeout") {
		t.Errorf("Error = %q, want timeout marker preserved", result.Error)
	}
	if result.ExecutionTime != 2.4 {
		t.Errorf("ExecutionTime = %v, want preserved", result.ExecutionTime)
	}
}

func TestRegistryListsExecuteCode(t *testing.T) {
	r := NewRegistry()
	if r.Get(ExecuteCodeTool) == nil {
		t.Fatal("execute_code not registered")
	}

	defs := r.List()
	found := false
	for _, def := range defs {
		fn := def["function"].(map[string]any)
		if fn["name"] == ExecuteCodeTool {
			found = true
		}
	}
	if !found {
		t.Error("execute_code missing from List()")
	}
}

func TestRegistryExecuteStub(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), ExecuteCodeTool, "{}")
	if err == nil {
		t.Error("structural tool should not run through string handler path")
	}

	_, err = r.Execute(context.Background(), "nope", "{}")
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("err = %v", err)
	}
}
