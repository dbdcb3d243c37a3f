package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"routerbackup/internal/history"
	"routerbackup/internal/orchestrator"
)

const wsPingInterval = 30 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsSnapshot is the first message on a stream.
type wsSnapshot struct {
	Job     string             `json:"job"`
	State   orchestrator.State `json:"state"`
	LastRun *history.Record    `json:"lastRun,omitempty"`
}

// handleWS streams state events of one job until the client goes away or
// the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	snap := wsSnapshot{Job: job.Job(), State: job.State()}
	if rec, ok := job.History().Latest(); ok {
		snap.LastRun = &rec
	}
	if err := conn.WriteJSON(snap); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
