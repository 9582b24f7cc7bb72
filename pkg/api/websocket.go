package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/core-tools/hsu-realmctl/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	eventQueueSize = 64
	logQueueSize   = 256
)

// LogMessage is a frame on /ws/logs/{unit}
type LogMessage struct {
	Type      string    `json:"type"` // "data", "error", "session"
	Unit      string    `json:"unit"`
	Session   string    `json:"session,omitempty"`
	Data      string    `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// readUntilClosed drains client frames so control messages are handled and
// cancels once the peer goes away
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer of conn. It returns when ctx is done or a
// write fails.
func writeLoop(ctx context.Context, conn *websocket.Conn, frames <-chan interface{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		unavailable(w, "event bus")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade event websocket, remote: %s, error: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan interface{}, eventQueueSize)
	unsubscribe := s.deps.Bus.Subscribe(func(ev events.Event) {
		select {
		case frames <- events.NewEnvelope(ev, time.Now()):
		default:
			s.logger.Warnf("Event websocket queue full, dropping event, kind: %s, remote: %s", ev.Kind(), r.RemoteAddr)
		}
	})
	defer unsubscribe()

	s.logger.Infof("Event websocket connected, remote: %s", r.RemoteAddr)
	go readUntilClosed(conn, cancel)
	writeLoop(ctx, conn, frames)
	s.logger.Infof("Event websocket closed, remote: %s", r.RemoteAddr)
}

// streamLogs attaches the connection to the single live log session. Opening
// a second log websocket supersedes the first, whose connection then ends.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		unavailable(w, "log streaming")
		return
	}
	unit := mux.Vars(r)["unit"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade log websocket, remote: %s, error: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan interface{}, logQueueSize)
	send := func(msg LogMessage) {
		msg.Timestamp = time.Now()
		select {
		case frames <- msg:
		case <-ctx.Done():
		}
	}

	session, err := s.deps.Logs.Open(unit,
		func(data string) {
			send(LogMessage{Type: "data", Unit: unit, Data: data})
		},
		func(streamErr error) {
			send(LogMessage{Type: "error", Unit: unit, Error: streamErr.Error()})
		})
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(LogMessage{Type: "error", Unit: unit, Error: err.Error(), Timestamp: time.Now()})
		return
	}
	// callbacks may be parked in send; release them before closing the stream
	defer func() {
		cancel()
		s.deps.Logs.StopSession(session.ID)
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(LogMessage{Type: "session", Unit: unit, Session: session.ID, Timestamp: time.Now()}); err != nil {
		return
	}

	go readUntilClosed(conn, cancel)
	go s.watchSupersede(ctx, cancel, session.ID)
	writeLoop(ctx, conn, frames)
	s.logger.Infof("Log websocket closed, unit: %s, session: %s", unit, session.ID)
}

// watchSupersede ends the connection once its session is no longer active
func (s *Server) watchSupersede(ctx context.Context, cancel context.CancelFunc, id string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if current, ok := s.deps.Logs.Session(); !ok || current.ID != id {
				cancel()
				return
			}
		}
	}
}
