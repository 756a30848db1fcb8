package app

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

// The API is served on the device's local network to a UI on another origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type eventMessage struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

// handleEvents pushes a message to the client every time a sync pass
// acknowledges records.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := a.scheduler.Subscribe()
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	a.logger.Debug("event listener connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-closed:
			a.logger.Debug("event listener disconnected", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case _, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(eventMessage{Type: "scan-data-synced", At: time.Now().UTC()}); err != nil {
				a.logger.Warn("websocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
