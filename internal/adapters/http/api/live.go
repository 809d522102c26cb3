package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// LiveHandler streams committed rows of one event over a WebSocket. The
// current row is sent first, then every commit in order. When the
// subscription is lost the socket is closed with "try again later" and the
// device restores and reconnects.
type LiveHandler struct {
	deps Dependencies
}

// NewLiveHandler creates a live handler.
func NewLiveHandler(deps Dependencies) *LiveHandler {
	return &LiveHandler{deps: deps}
}

// HandleLive handles GET /events/{id}/live.
func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	const op = "api.live"
	ctx := r.Context()
	eventID := r.PathValue("id")

	sub, err := h.deps.Subscribe(ctx, eventID)
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	defer sub.Unsubscribe()

	current, err := h.deps.Get(ctx, eventID)
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(readLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(current); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription lost")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
