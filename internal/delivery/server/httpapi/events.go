package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"foreman/internal/async"
	"foreman/internal/domain/task"
)

const (
	// eventBuffer bounds one client's backlog; the registry drops events
	// for clients that fall further behind.
	eventBuffer  = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// handleEvents upgrades to a websocket and streams task status transitions
// until the client hangs up or the server shuts down.
func (s *Server) handleEvents(c *gin.Context) {
	// Subscribe before the handshake response goes out, so no transition
	// falls into the gap between the client seeing 101 and the first read.
	events, cancel := s.tasks.Subscribe(eventBuffer)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		s.logger.WarnContext(c.Request.Context(), "websocket upgrade failed", "error", err.Error())
		return
	}
	s.trackConn(conn)

	done := make(chan struct{})

	wsLogger := s.logger.Printf("httpapi.events")
	async.Go(wsLogger, "httpapi.ws-read", func() {
		defer close(done)
		conn.SetReadLimit(512)
		// The feed is write-only; reading only serves close detection.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	async.Go(wsLogger, "httpapi.ws-write", func() {
		s.writeEvents(conn, events, cancel, done)
	})
}

func (s *Server) writeEvents(conn *websocket.Conn, events <-chan task.Event, cancel func(), done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		s.forgetConn(conn)
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) forgetConn(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeEventConnections() {
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.connMu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
