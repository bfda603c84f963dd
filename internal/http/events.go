package http

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/internal/session"
)

const eventWriteTimeout = 5 * time.Second

type event struct {
	Type    string          `json:"type"`
	Session *sessionRes     `json:"session,omitempty"`
	Notice  *session.Notice `json:"notice,omitempty"`
}

// GET /api/session/events streams state snapshots and notices over a websocket. It is
// served outside gin: Accept must hijack a ResponseWriter nothing has written to.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// The stream is server to client only; CloseRead notices the peer going away.
	ctx := conn.CloseRead(r.Context())
	sub := h.manager.Subscribe(ctx)
	defer sub.Cancel()

	for {
		var ev event
		select {
		case snap := <-sub.States():
			res := toSessionRes(snap)
			ev = event{Type: "session", Session: &res}
		case n := <-sub.Notices():
			ev = event{Type: "notice", Notice: &n}
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}

		if err := writeEvent(ctx, conn, ev); err != nil {
			log.Info("websocket event stream closed", "close_status", websocket.CloseStatus(err), "error", err)
			return
		}
	}
}

func writeEvent(parent context.Context, conn *websocket.Conn, ev event) error {
	ctx, cancel := context.WithTimeout(parent, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
