// Package session owns the lifetime of one streaming request: it creates
// the per-session event bus, runs the model as the primary producer,
// fans tool calls and subagent delegations out to their own goroutines,
// and drains the bus to the transport in arrival order.
//
// State machine: Idle -> Streaming -> Completed | Cancelled | Failed.
// Every session emits exactly one start event and exactly one terminal
// event (done or error); all other events fall strictly between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/stream"
)

// State is the session lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// terminalPublishTimeout bounds the best-effort terminal event on
// cancelled sessions, where the consumer may already be gone.
const terminalPublishTimeout = 2 * time.Second

// Sink receives events in bus-arrival order. The HTTP layer implements
// it over SSE; tests implement it over a slice.
type Sink interface {
	Write(e stream.Event) error
}

// ToolDispatcher handles a mid-stream tool call, publishing tool_start
// and tool_result onto the session bus. Blocking.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, bus *stream.Bus, call model.ToolCall)
}

// Delegator runs a named subagent to completion, publishing its
// lifecycle onto the session bus. Blocking.
type Delegator interface {
	Delegate(ctx context.Context, bus *stream.Bus, conversationID, name, task string)
}

// Recorder persists completed turns. The history store satisfies it.
type Recorder interface {
	AddMessage(conversationID, role, content string) error
}

// Request describes one streaming session.
type Request struct {
	ConversationID string
	ThreadID       string
	// Messages is the full model context including the new user turn.
	Messages []model.Message
}

// Result summarizes a finished session.
type Result struct {
	SessionID string
	State     State
	Content   string
	Model     string
}

// Orchestrator creates and runs sessions. All collaborators except the
// model client may be nil; missing ones degrade to stub behavior.
type Orchestrator struct {
	client    model.Client
	tools     ToolDispatcher
	subagents Delegator
	recorder  Recorder
	artifacts artifact.Store
	ops       *events.Bus
	busSize   int
	logger    *slog.Logger
}

// New creates an Orchestrator around the given model client.
func New(client model.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:  client,
		busSize: stream.DefaultBusSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTools sets the tool dispatcher.
func WithTools(d ToolDispatcher) Option { return func(o *Orchestrator) { o.tools = d } }

// WithSubagents sets the subagent delegator.
func WithSubagents(d Delegator) Option { return func(o *Orchestrator) { o.subagents = d } }

// WithRecorder sets the message recorder for completed turns.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithArtifacts enables fenced-code-block extraction from completed
// assistant messages into the given store.
func WithArtifacts(s artifact.Store) Option { return func(o *Orchestrator) { o.artifacts = s } }

// WithOps sets the operational event bus.
func WithOps(b *events.Bus) Option { return func(o *Orchestrator) { o.ops = b } }

// WithBusSize overrides the per-session event buffer.
func WithBusSize(n int) Option { return func(o *Orchestrator) { o.busSize = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// session is the in-flight state of one Run call.
type session struct {
	id     string
	bus    *stream.Bus
	cancel context.CancelFunc
	// tasks tracks in-flight tool and subagent goroutines so the
	// terminal event waits for their results to reach the bus.
	tasks sync.WaitGroup

	mu    sync.Mutex
	state State
}

func (s *session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Terminal states are final; a late transition must not overwrite one.
	switch s.state {
	case StateCompleted, StateCancelled, StateFailed:
		return
	}
	s.state = next
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes one session to its terminal state, writing every event to
// sink in bus-arrival order. It returns when the terminal event has been
// flushed (or the client is gone). Run never returns a transport or
// model error: those fold into the session's terminal state.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) *Result {
	sessionID, _ := uuid.NewV7()
	s := &session{
		id:    sessionID.String(),
		bus:   stream.NewBus(o.busSize),
		state: StateIdle,
	}

	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	started := time.Now()
	s.setState(StateStreaming)
	o.logger.Info("session started",
		"session_id", s.id,
		"conversation_id", req.ConversationID,
	)
	o.ops.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceSession,
		Kind:      events.KindSessionStart,
		Data: map[string]any{
			"session_id":      s.id,
			"conversation_id": req.ConversationID,
		},
	})

	// The start event is queued before the producer begins, so it is
	// always first on the wire.
	if err := s.bus.Publish(sctx, stream.Start{
		SessionID:      s.id,
		ConversationID: req.ConversationID,
		ThreadID:       req.ThreadID,
	}); err != nil {
		// Bus initialization is the one fault that fails the session
		// before any producer runs.
		s.setState(StateFailed)
		_ = sink.Write(stream.Error{Reason: "internal", Message: "session bus unavailable"})
		return &Result{SessionID: s.id, State: StateFailed}
	}

	var (
		resp    *model.Response
		content strings.Builder
	)

	go func() {
		var streamErr error
		resp, streamErr = o.client.Stream(sctx, model.Request{
			ConversationID: req.ConversationID,
			Messages:       req.Messages,
		}, o.emitter(sctx, s, req.ConversationID, &content))

		// All outstanding tool and subagent work must reach the bus
		// before the terminal event.
		s.tasks.Wait()

		o.finish(s, streamErr)
	}()

	// Single consumer: drain to the sink in arrival order. After a write
	// failure (client disconnect) the session cancels but keeps draining
	// so producers never block on a full buffer.
	var writeErr error
	for e := range s.bus.Events() {
		if writeErr != nil {
			continue
		}
		if err := sink.Write(e); err != nil {
			writeErr = err
			s.setState(StateCancelled)
			cancel()
			o.logger.Debug("session transport write failed",
				"session_id", s.id, "error", err)
		}
	}

	final := s.currentState()
	if final == StateCompleted {
		o.record(req.ConversationID, resp, &content)
	}

	elapsed := time.Since(started)
	o.logger.Info("session finished",
		"session_id", s.id,
		"state", string(final),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	o.ops.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSessionEnd,
		Data: map[string]any{
			"session_id":  s.id,
			"state":       string(final),
			"duration_ms": elapsed.Milliseconds(),
		},
	})

	result := &Result{SessionID: s.id, State: final, Content: content.String()}
	if resp != nil {
		result.Model = resp.Model
	}
	return result
}

// emitter routes model chunks: deltas go straight onto the bus, tool
// calls and delegations spawn their own producer goroutines so the
// primary producer is never blocked by an execution.
func (o *Orchestrator) emitter(ctx context.Context, s *session, conversationID string, content *strings.Builder) model.Emit {
	return func(chunk model.Chunk) error {
		switch chunk.Kind {
		case model.KindText:
			content.WriteString(chunk.Text)
			return s.bus.Publish(ctx, stream.MessageDelta{Content: chunk.Text})
		case model.KindThinking:
			return s.bus.Publish(ctx, stream.ThinkingDelta{Content: chunk.Text})
		case model.KindToolCall:
			call := *chunk.ToolCall
			if o.tools == nil {
				return s.bus.Publish(ctx, stream.ToolResult{
					CallID:     call.ID,
					Name:       call.Name,
					Error:      "tool execution is not configured",
					ReturnCode: -1,
				})
			}
			s.tasks.Add(1)
			go func() {
				defer s.tasks.Done()
				o.tools.Dispatch(ctx, s.bus, call)
			}()
			return nil
		case model.KindDelegation:
			d := *chunk.Delegation
			if o.subagents == nil {
				return s.bus.Publish(ctx, stream.SubagentEnd{
					Name:  d.Name,
					Error: "subagents are not configured",
				})
			}
			s.tasks.Add(1)
			go func() {
				defer s.tasks.Done()
				o.subagents.Delegate(ctx, s.bus, conversationID, d.Name, d.Task)
			}()
			return nil
		}
		return fmt.Errorf("unknown chunk kind %d", chunk.Kind)
	}
}

// finish classifies the producer outcome, publishes the single terminal
// event, and closes the bus. The terminal publish uses its own bounded
// context: on a cancelled session the consumer is still draining, and
// the done event is best effort.
func (o *Orchestrator) finish(s *session, streamErr error) {
	var terminal stream.Event
	switch {
	case streamErr == nil:
		s.setState(StateCompleted)
		terminal = stream.Done{Reason: "completed"}
	case errors.Is(streamErr, context.Canceled), errors.Is(streamErr, context.DeadlineExceeded):
		s.setState(StateCancelled)
		terminal = stream.Done{Reason: "cancelled"}
	default:
		s.setState(StateFailed)
		o.logger.Error("session producer failed", "session_id", s.id, "error", streamErr)
		terminal = stream.Error{Reason: "model_error", Message: streamErr.Error()}
	}

	pubCtx, pubCancel := context.WithTimeout(context.Background(), terminalPublishTimeout)
	defer pubCancel()
	if err := s.bus.Publish(pubCtx, terminal); err != nil {
		o.logger.Debug("terminal event publish failed", "session_id", s.id, "error", err)
	}
	s.bus.Close()
}

// record persists the completed assistant turn and extracts any fenced
// code blocks into artifacts.
func (o *Orchestrator) record(conversationID string, resp *model.Response, content *strings.Builder) {
	text := content.String()
	if resp != nil && resp.Content != "" {
		text = resp.Content
	}
	if text == "" {
		return
	}

	if o.recorder != nil {
		if err := o.recorder.AddMessage(conversationID, "assistant", text); err != nil {
			o.logger.Warn("failed to persist assistant message",
				"conversation_id", conversationID, "error", err)
		}
	}
	if o.artifacts != nil {
		created, err := artifact.ExtractInto(o.artifacts, conversationID, text)
		if err != nil {
			o.logger.Warn("artifact extraction failed",
				"conversation_id", conversationID, "error", err)
		} else if len(created) > 0 {
			o.logger.Info("artifacts extracted",
				"conversation_id", conversationID, "count", len(created))
		}
	}
}
