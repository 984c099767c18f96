package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventsHandler replays a run's events over a websocket and follows it
// until the run ends. The connection is closed after the final event.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.writeErrorResponse(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection to websocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	s.metrics.websocketConnections.Inc()
	defer s.metrics.websocketConnections.Dec()
	s.logger.Debug("event stream opened", "run_id", run.id, "remote_addr", r.RemoteAddr)

	gone := s.readPump(conn)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	next := 0
	for {
		events, changed, finished := run.eventsSince(next)
		for _, e := range events {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "run_id", run.id, "error", err)
				return
			}
			s.metrics.websocketMessagesTotal.WithLabelValues("sent").Inc()
		}
		next += len(events)

		if finished {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		select {
		case <-changed:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}

// readPump consumes client frames so control messages are handled. The
// returned channel is closed when the client goes away.
func (s *Server) readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream closed", "error", err)
				}
				return
			}
			s.metrics.websocketMessagesTotal.WithLabelValues("received").Inc()
		}
	}()
	return gone
}
