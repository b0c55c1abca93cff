// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (session orchestrator,
// execution engine, subagent coordinator) to subscribers (WebSocket feed,
// MQTT telemetry publisher). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
//
// This bus is process-wide and lossy by design. The ordered per-session
// stream that clients consume lives in package stream.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the session orchestrator.
	SourceSession = "session"
	// SourceEngine identifies events from the execution engine.
	SourceEngine = "engine"
	// SourceSubagent identifies events from the subagent coordinator.
	SourceSubagent = "subagent"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionStart signals a streaming session began.
	// Data: session_id, conversation_id.
	KindSessionStart = "session_start"
	// KindSessionEnd signals a streaming session finished.
	// Data: session_id, state, events_sent, elapsed_ms.
	KindSessionEnd = "session_end"

	// KindExecStart signals a code execution began.
	// Data: artifact_id, language, timeout_sec.
	KindExecStart = "exec_start"
	// KindExecDone signals a code execution finished.
	// Data: artifact_id, success, return_code, error_kind, duration_ms.
	KindExecDone = "exec_done"

	// KindSpawn signals a subagent run was spawned.
	// Data: run_id, name, task_len.
	KindSpawn = "spawn"
	// KindComplete signals a subagent run completed.
	// Data: run_id, name, ok, duration_ms.
	KindComplete = "complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The caller
// must eventually call Unsubscribe to avoid resource leaks. bufSize
// controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
