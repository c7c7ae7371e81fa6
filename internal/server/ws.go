package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"maestro/internal/broadcast"
)

const heartbeatInterval = 30 * time.Second

// wsCommand is what clients send: subscribe or unsubscribe for a run.
// An empty run_id on subscribe means every run.
type wsCommand struct {
	Action string `json:"action"`
	RunID  string `json:"run_id,omitempty"`
}

type wsAck struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsSession filters hub events down to the runs a connection asked for.
// Writes come from both the reader goroutine (acks) and the event pump, so
// they are serialized behind writeMu.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	runs map[string]bool
	all  bool
}

func (s *wsSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSession) subscribe(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		s.all = true
		return
	}
	s.runs[runID] = true
}

func (s *wsSession) unsubscribe(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		s.all = false
		return
	}
	delete(s.runs, runID)
}

func (s *wsSession) wants(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all {
		return true
	}
	// Events without a run id (run list updates, heartbeats) go to anyone
	// with at least one subscription.
	if runID == "" {
		return len(s.runs) > 0
	}
	return s.runs[runID]
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe("")
	defer unsubscribe()

	sess := &wsSession{conn: conn, runs: make(map[string]bool)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			switch cmd.Action {
			case "subscribe":
				sess.subscribe(cmd.RunID)
				if err := sess.writeJSON(wsAck{Type: "subscribed", RunID: cmd.RunID}); err != nil {
					return
				}
			case "unsubscribe":
				sess.unsubscribe(cmd.RunID)
				if err := sess.writeJSON(wsAck{Type: "unsubscribed", RunID: cmd.RunID}); err != nil {
					return
				}
			default:
				if err := sess.writeJSON(wsAck{Type: "error", Error: "unknown action: " + cmd.Action}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case event, okCh := <-events:
			if !okCh {
				return
			}
			if !sess.wants(event.RunID) {
				continue
			}
			if err := sess.writeJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			hb := broadcast.Event{Type: broadcast.TypeHeartbeat, Timestamp: time.Now()}
			if err := sess.writeJSON(hb); err != nil {
				return
			}
		}
	}
}
