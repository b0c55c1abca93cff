package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/history"
)

// ExecuteRequest is the body of POST /v1/artifacts/{id}/execute.
type ExecuteRequest struct {
	// Timeout in seconds; zero means the configured default.
	Timeout int `json:"timeout,omitempty"`
}

// ExecuteResponse wraps the execution result with the artifact identity.
type ExecuteResponse struct {
	ArtifactID string         `json:"artifact_id"`
	Title      string         `json:"title"`
	Language   string         `json:"language"`
	Execution  *engine.Result `json:"execution"`
}

// handleArtifactExecute runs an artifact. Completed attempts, including
// timeouts and runtime failures, are 200s; only caller misuse (missing
// artifact, non-code artifact) is an HTTP failure.
func (s *Server) handleArtifactExecute(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil || s.engine == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "execution not configured")
		return
	}

	id := r.PathValue("id")
	art, err := s.artifacts.Get(id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Artifact not found")
			return
		}
		s.logger.Error("artifact load failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	var req ExecuteRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	timeout := s.defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
		if timeout > s.maxTimeout {
			timeout = s.maxTimeout
		}
	}

	started := time.Now()
	result, err := s.engine.Execute(r.Context(), art, timeout)
	if err != nil {
		var unexec *engine.UnexecutableError
		if errors.As(err, &unexec) {
			s.errorResponse(w, http.StatusBadRequest, unexec.Error())
			return
		}
		s.logger.Error("execution failed", "artifact", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "execution failed")
		return
	}

	if s.history != nil {
		rec := &history.ExecutionRecord{
			ArtifactID:    art.ID,
			Language:      art.Language,
			Success:       result.Success,
			Output:        result.Output,
			Error:         result.Error,
			ErrorKind:     string(result.ErrorKind),
			ReturnCode:    result.ReturnCode,
			ExecutionTime: result.ExecutionTime,
			StartedAt:     started,
		}
		if err := s.history.RecordExecution(rec); err != nil {
			s.logger.Warn("failed to record execution", "artifact", id, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ExecuteResponse{
		ArtifactID: art.ID,
		Title:      art.Title,
		Language:   art.Language,
		Execution:  result,
	}, s.logger)
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}

	art, err := s.artifacts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "Artifact not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, art, s.logger)
}

func (s *Server) handleConversationArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}

	list, err := s.artifacts.ListByConversation(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"artifacts": list,
		"count":     len(list),
	}, s.logger)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	id := r.PathValue("id")
	conv, err := s.history.GetConversation(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": conv.ID,
		"messages":        conv.Messages,
		"count":           len(conv.Messages),
	}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	convs, err := s.history.ListConversations(parseIntParam(r, "limit", 50))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	records, err := s.history.RecentExecutions(parseIntParam(r, "limit", 50))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"executions": records,
		"count":      len(records),
	}, s.logger)
}
