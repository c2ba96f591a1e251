package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/benaskins/lyceum/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// events streams relay events to a websocket client as JSON, one message
// per event, until either side closes.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.daemon.Relay().Subscribe(events.DefaultBuffer)
	defer sub.Close()
	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)

	// The read side only handles control frames and notices disconnects
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				s.closeStream(conn, "relay closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			s.logger.Debug("event subscriber disconnected", "dropped", sub.Dropped())
			return
		case <-s.closing:
			s.closeStream(conn, "server shutting down")
			return
		case <-s.ctx.Done():
			s.closeStream(conn, "daemon stopping")
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
