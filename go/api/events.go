package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control plane trusts its operators; origin policy belongs to
	// the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// events streams engine events (state changes, processed messages) over
// a WebSocket. Client count is capped; excess clients get 503.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.wsClients.Add(1) > s.wsMaxClients {
		s.wsClients.Add(-1)
		writeError(w, http.StatusServiceUnavailable, "event stream client limit reached", "")
		return
	}
	defer s.wsClients.Add(-1)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Debug("event stream upgrade failed")
		return
	}
	defer conn.Close()

	var events, cancel = s.controller.Bus().Subscribe()
	defer cancel()

	// Reads are drained only to surface client disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	var ping = time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
