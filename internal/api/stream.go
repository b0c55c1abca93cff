package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/session"
	"github.com/loomworks/loom/internal/stream"
)

// sseWriteDeadline is re-armed after every event so a long tool loop
// never trips the server write timeout while events still flow.
const sseWriteDeadline = 120 * time.Second

// ChatStreamRequest starts one streaming session.
type ChatStreamRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	Message        string `json:"message"`
}

// sseSink writes stream events as SSE frames: event name line, JSON data
// line, blank line, flushed per event.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	server  *Server
}

func (s *sseSink) Write(e stream.Event) error {
	eventType, data, err := stream.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	s.flusher.Flush()
	if err := s.rc.SetWriteDeadline(time.Now().Add(sseWriteDeadline)); err != nil {
		s.server.logger.Debug("failed to reset write deadline", "error", err)
	}
	return nil
}

// handleChatStream runs a streaming session over SSE. The terminal
// done/error event is followed by stream close.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	messages := s.contextFor(convID, req.Message)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := &sseSink{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		server:  s,
	}

	result := s.orchestrator.Run(r.Context(), session.Request{
		ConversationID: convID,
		ThreadID:       req.ThreadID,
		Messages:       messages,
	}, sink)

	s.logger.Debug("chat stream finished",
		"session_id", result.SessionID,
		"conversation_id", convID,
		"state", string(result.State),
	)
}

// contextFor builds the model context: prior conversation turns plus the
// new user message, which is persisted before the session starts.
func (s *Server) contextFor(convID, message string) []model.Message {
	var messages []model.Message

	if s.history != nil {
		if err := s.history.AddMessage(convID, "user", message); err != nil {
			s.logger.Warn("failed to persist user message",
				"conversation_id", convID, "error", err)
		}
		prior, err := s.history.GetMessages(convID)
		if err != nil {
			s.logger.Warn("failed to load conversation history",
				"conversation_id", convID, "error", err)
		}
		for _, m := range prior {
			messages = append(messages, model.Message{Role: m.Role, Content: m.Content})
		}
	}

	// Without a history store (or on a read failure) the session still
	// runs with just the new turn.
	if len(messages) == 0 {
		messages = append(messages, model.Message{Role: "user", Content: message})
	}
	return messages
}
