package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trucksynth/internal/events"
	"trucksynth/internal/model"
	"trucksynth/internal/store"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	runSnapshot  = "run.snapshot"
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
)

// progress streams run events over a websocket. The first message is a
// snapshot of the run record; the stream ends after the run completes or
// fails.
func (s *Server) progress(w http.ResponseWriter, r *http.Request, run model.Run) {
	// subscribe before the handshake so no event published after it is lost
	ch := s.Broker.Subscribe(run.ID)
	defer s.Broker.Unsubscribe(run.ID, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	snap := events.Event{Type: runSnapshot, RunID: run.ID, At: time.Now().UTC(), Data: map[string]any{"run": run}}
	if err := conn.WriteJSON(snap); err != nil || run.Status != store.RunRunning {
		closeNormal(conn)
		return
	}

	// the read loop only notices a client going away
	gone := make(chan struct{})
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(readTimeout)) })
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Type == events.RunCompleted || evt.Type == events.RunFailed {
				closeNormal(conn)
				return
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
