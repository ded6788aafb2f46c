package cagg

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is the JSON format for WebSocket messages.
type streamMessage struct {
	Type  string        `json:"type"`
	Event *RefreshEvent `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}

// streamHandler upgrades the connection and forwards refresh lifecycle
// events as they happen. A view query parameter narrows the stream to
// one view. Slow consumers miss events rather than stalling refreshes;
// the hub drops instead of blocking.
func streamHandler(e *Engine, cfg HTTPConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		viewFilter := r.URL.Query().Get("view")

		sub := e.Subscribe()
		defer sub.Close()

		// Drain client frames so pongs and close frames are processed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pingInterval := cfg.StreamPingInterval
		if pingInterval <= 0 {
			pingInterval = 30 * time.Second
		}
		writeTimeout := cfg.StreamWriteTimeout
		if writeTimeout <= 0 {
			writeTimeout = 10 * time.Second
		}
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if viewFilter != "" && ev.View != viewFilter {
					continue
				}
				msg, _ := json.Marshal(streamMessage{Type: "refresh", Event: &ev})
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}
