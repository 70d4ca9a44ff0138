package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/mailroom/internal/events"
)

const (
	// eventBuffer is the per-client subscription buffer. A client that
	// falls further behind misses events.
	eventBuffer = 64

	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only operational data served on the operator
	// listener.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events to a WebSocket client as JSON, one
// event per message. ?source= limits the stream to one source.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	source := r.URL.Query().Get("source")
	ch := s.events.Subscribe(eventBuffer)
	defer s.events.Unsubscribe(ch)

	s.logger.Info("event stream opened", "remote", r.RemoteAddr, "source", source)
	defer s.logger.Info("event stream closed", "remote", r.RemoteAddr)

	// The read side only services control frames and notices when the
	// client goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !matchSource(e, source) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func matchSource(e events.Event, source string) bool {
	return source == "" || e.Source == source
}
