// Package stream defines the typed events of a streaming session and the
// bounded, single-consumer bus that carries them from concurrent
// producers to the one goroutine that writes the wire.
//
// Event is a closed union: every variant is declared here, and the single
// serialization point (Marshal) switches over all of them exhaustively,
// so adding a variant is a compile-visible change.
package stream

import "encoding/json"

// Type identifies an event variant on the wire.
type Type string

const (
	TypeStart            Type = "start"
	TypeMessageDelta     Type = "message_delta"
	TypeThinkingDelta    Type = "thinking_delta"
	TypeToolStart        Type = "tool_start"
	TypeToolResult       Type = "tool_result"
	TypeSubagentStart    Type = "subagent_start"
	TypeSubagentProgress Type = "subagent_progress"
	TypeSubagentEnd      Type = "subagent_end"
	TypeDone             Type = "done"
	TypeError            Type = "error"
)

// Event is the sealed interface implemented by every stream event
// variant. The unexported method keeps the union closed to this package.
type Event interface {
	EventType() Type
	isStreamEvent()
}

// Start opens a session stream. Exactly one per session.
type Start struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id,omitempty"`
}

// MessageDelta carries an incremental chunk of assistant text.
type MessageDelta struct {
	Content string `json:"content"`
}

// ThinkingDelta carries an incremental chunk of model reasoning text.
type ThinkingDelta struct {
	Content string `json:"content"`
}

// ToolStart announces a tool invocation requested mid-stream.
type ToolStart struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

// ToolResult carries the outcome of a tool invocation. ReturnCode and
// ExecutionTime are preserved so consumers can tell a timeout from a
// logical error without parsing the error string.
type ToolResult struct {
	CallID        string  `json:"call_id"`
	Name          string  `json:"name"`
	Success       bool    `json:"success"`
	Output        string  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ReturnCode    int     `json:"return_code"`
	ExecutionTime float64 `json:"execution_time_seconds"`
}

// SubagentStart marks the beginning of a delegated unit of work.
type SubagentStart struct {
	Name string `json:"name"`
	Task string `json:"task,omitempty"`
}

// SubagentProgress reports a coordinator-defined checkpoint.
type SubagentProgress struct {
	Name    string `json:"name"`
	Percent int    `json:"percent"`
}

// SubagentEnd carries the subagent's final payload. A failed subagent
// sets Error; the parent session continues either way.
type SubagentEnd struct {
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Done terminates a successful or cancelled session. Exactly one
// terminal event (Done or Error) per session.
type Done struct {
	Reason string `json:"reason,omitempty"`
}

// Error terminates a failed session with a classified reason.
type Error struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (Start) EventType() Type            { return TypeStart }
func (MessageDelta) EventType() Type     { return TypeMessageDelta }
func (ThinkingDelta) EventType() Type    { return TypeThinkingDelta }
func (ToolStart) EventType() Type        { return TypeToolStart }
func (ToolResult) EventType() Type       { return TypeToolResult }
func (SubagentStart) EventType() Type    { return TypeSubagentStart }
func (SubagentProgress) EventType() Type { return TypeSubagentProgress }
func (SubagentEnd) EventType() Type      { return TypeSubagentEnd }
func (Done) EventType() Type             { return TypeDone }
func (Error) EventType() Type            { return TypeError }

func (Start) isStreamEvent()            {}
func (MessageDelta) isStreamEvent()     {}
func (ThinkingDelta) isStreamEvent()    {}
func (ToolStart) isStreamEvent()        {}
func (ToolResult) isStreamEvent()       {}
func (SubagentStart) isStreamEvent()    {}
func (SubagentProgress) isStreamEvent() {}
func (SubagentEnd) isStreamEvent()      {}
func (Done) isStreamEvent()             {}
func (Error) isStreamEvent()            {}

// Marshal is the single serialization point for the union: it returns
// the wire event name and the JSON payload. The switch is exhaustive
// over every variant declared above.
func Marshal(e Event) (Type, []byte, error) {
	switch v := e.(type) {
	case Start:
		return marshalAs(TypeStart, v)
	case MessageDelta:
		return marshalAs(TypeMessageDelta, v)
	case ThinkingDelta:
		return marshalAs(TypeThinkingDelta, v)
	case ToolStart:
		return marshalAs(TypeToolStart, v)
	case ToolResult:
		return marshalAs(TypeToolResult, v)
	case SubagentStart:
		return marshalAs(TypeSubagentStart, v)
	case SubagentProgress:
		return marshalAs(TypeSubagentProgress, v)
	case SubagentEnd:
		return marshalAs(TypeSubagentEnd, v)
	case Done:
		return marshalAs(TypeDone, v)
	case Error:
		return marshalAs(TypeError, v)
	}
	// Unreachable while the union stays closed.
	return "", nil, errUnknownVariant
}

func marshalAs(t Type, v any) (Type, []byte, error) {
	data, err := json.Marshal(v)
	return t, data, err
}
