package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from the controller's own origin on the local
	// field network; no cross-origin callers exist.
	CheckOrigin: func(*http.Request) bool { return true },
}

// liveFrame is one push on the /api/live socket.
type liveFrame struct {
	Nodes          []registry.Node       `json:"nodes"`
	CourseStatus   protocol.CourseStatus `json:"course_status"`
	SelectedCourse string                `json:"selected_course,omitempty"`
	SessionID      string                `json:"session_id,omitempty"`
	Logs           []oplog.Entry         `json:"logs"`
}

// handleLive streams fleet snapshots and recent operator log entries to
// the UI once a second over a websocket.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frame := liveFrame{
				Nodes:          s.reg.Snapshot(),
				CourseStatus:   s.reg.CourseStatus(),
				SelectedCourse: s.reg.SelectedCourse(),
				SessionID:      s.engine.ActiveSessionID(),
				Logs:           s.ops.Recent(20),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
