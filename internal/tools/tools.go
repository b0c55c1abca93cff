// Package tools defines the tools the model can invoke mid-stream and
// the dispatcher that routes invocations. Only execute_code is handled
// in-process; every other tool name resolves to an external stub whose
// result says so.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExecuteCodeTool is the one tool with an in-process implementation.
const ExecuteCodeTool = "execute_code"

// Tool describes a callable tool surfaced to the model.
type Tool struct {
	Name        string                                                          `json:"name"`
	Description string                                                          `json:"description"`
	Parameters  map[string]any                                                  `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates a registry pre-populated with the built-in tool
// definitions.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        ExecuteCodeTool,
		Description: "Execute a code artifact in an isolated sandbox and return its output. Use for running scripts the conversation has produced.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"artifact_id": map[string]any{
					"type":        "string",
					"description": "The id of the artifact to execute",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Wall-clock budget in seconds (default from server config)",
				},
			},
			"required": []string{"artifact_id"},
		},
		// execute_code is dispatched structurally (see Dispatcher), not
		// through Handler: its result carries more than a string.
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tool definitions in the wire shape models expect.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a registered tool's string handler by name. Tools without
// a handler (external stubs, execute_code) report themselves unavailable.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if tool.Handler == nil {
		return "", fmt.Errorf("tool %s is not available in this deployment", name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	return tool.Handler(ctx, args)
}
