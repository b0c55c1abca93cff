package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only telemetry for local dashboards; auth, when
	// enabled, already ran in the outer middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams the operational event bus to a WebSocket
// client. Slow clients miss events rather than backpressure producers.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.ops == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.ops.Subscribe(64)
	defer s.ops.Unsubscribe(ch)

	s.logger.Info("event feed client connected", "remote", r.RemoteAddr)

	// Reader goroutine: we never expect client frames, but reading is
	// required to notice close frames and connection drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		}
	}
}
