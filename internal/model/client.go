// Package model defines the content-producer interface for streaming
// sessions. Loom does not perform inference itself: tokens come either
// from a deterministic scripted client (tests, demos, default) or from
// an external Ollama-compatible server.
package model

import "context"

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model mid-stream.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Delegation is a request to hand a sub-task to a named subagent.
type Delegation struct {
	Name string `json:"name"`
	Task string `json:"task"`
}

// ChunkKind identifies what a streamed chunk carries.
type ChunkKind int

const (
	// KindText is an incremental chunk of assistant message text.
	KindText ChunkKind = iota
	// KindThinking is an incremental chunk of model reasoning text.
	KindThinking
	// KindToolCall requests a tool invocation.
	KindToolCall
	// KindDelegation requests a subagent run.
	KindDelegation
)

// Chunk is a single increment of model output. Consumers switch on Kind.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	ToolCall   *ToolCall
	Delegation *Delegation
}

// Request is the input to one model stream.
type Request struct {
	ConversationID string
	Messages       []Message
}

// Response summarizes a completed stream.
type Response struct {
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
}

// Emit receives chunks as they are produced. Returning an error stops
// the stream; clients propagate it from Stream.
type Emit func(Chunk) error

// Client produces a model response as an ordered stream of chunks.
type Client interface {
	Stream(ctx context.Context, req Request, emit Emit) (*Response, error)
}
