package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ytdl-hub/internal/broadcast"
	"ytdl-hub/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local service without auth; any origin may observe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams broadcast events as JSON text frames. A new observer
// first receives a progress event per known job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, r, errNoEvents)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	obs := s.deps.Events.Subscribe(broadcast.DefaultBuffer)
	defer obs.Close()
	metrics.EventObservers.Inc()
	defer metrics.EventObservers.Dec()
	s.log.WithField("remote", r.RemoteAddr).Debug("event observer connected")

	closed := make(chan struct{})
	go s.readLoop(conn, closed)

	for _, job := range s.deps.Downloads.List() {
		if err := writeEvent(conn, broadcast.NewProgressEvent(job)); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-obs.Events():
			if !ok {
				// Dropped for falling behind.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "observer fell behind"))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				s.log.WithError(err).Debug("event observer write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			s.log.WithField("remote", r.RemoteAddr).Debug("event observer disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev broadcast.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// readLoop drains client frames so control messages are processed, and
// signals when the peer goes away.
func (s *Server) readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Debug("event observer read error")
			}
			return
		}
	}
}
