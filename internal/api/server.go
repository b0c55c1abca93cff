// Package api implements the Loom HTTP API: the SSE chat stream, the
// artifact execute endpoint, history reads, and the operational event
// feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/buildinfo"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Executor is the engine surface the execute endpoint needs.
type Executor interface {
	Execute(ctx context.Context, art *artifact.Artifact, timeout time.Duration) (*engine.Result, error)
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	orchestrator *session.Orchestrator
	artifacts    artifact.Store
	history      *history.Store
	engine       Executor
	ops          *events.Bus
	middleware   func(http.Handler) http.Handler
	logger       *slog.Logger
	server       *http.Server

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *session.Orchestrator, logger *slog.Logger) *Server {
	return &Server{
		address:        address,
		port:           port,
		orchestrator:   orch,
		logger:         logger,
		defaultTimeout: 30 * time.Second,
		maxTimeout:     5 * time.Minute,
	}
}

// SetArtifactStore configures the artifact store for artifact endpoints.
func (s *Server) SetArtifactStore(store artifact.Store) {
	s.artifacts = store
}

// SetHistoryStore configures the history store for conversation and
// execution endpoints.
func (s *Server) SetHistoryStore(store *history.Store) {
	s.history = store
}

// SetEngine configures the execution engine for the execute endpoint.
func (s *Server) SetEngine(e Executor) {
	s.engine = e
}

// SetOpsBus configures the operational event bus for the WebSocket feed.
func (s *Server) SetOpsBus(bus *events.Bus) {
	s.ops = bus
}

// SetAuth installs an outer middleware, typically the bearer-token stub.
func (s *Server) SetAuth(wrap func(http.Handler) http.Handler) {
	s.middleware = wrap
}

// SetTimeouts overrides the default and maximum execution timeouts used
// by the execute endpoint.
func (s *Server) SetTimeouts(def, max time.Duration) {
	if def > 0 {
		s.defaultTimeout = def
	}
	if max > 0 {
		s.maxTimeout = max
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)

	mux.HandleFunc("POST /v1/artifacts/{id}/execute", s.handleArtifactExecute)
	mux.HandleFunc("GET /v1/artifacts/{id}", s.handleArtifactGet)
	mux.HandleFunc("GET /v1/conversations/{id}/artifacts", s.handleConversationArtifacts)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/executions", s.handleExecutions)

	mux.HandleFunc("GET /v1/events/ws", s.handleEventsWS)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	var h http.Handler = mux
	if s.middleware != nil {
		h = s.middleware(h)
	}
	return s.withLogging(h)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Loom",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
