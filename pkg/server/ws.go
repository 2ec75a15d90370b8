package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Metaphorme/signaling/pkg/apierr"
	"github.com/Metaphorme/signaling/pkg/hub"
	"github.com/Metaphorme/signaling/pkg/models"
)

const (
	pongWait   = 40 * time.Second // two missed 20s pings before the peer is considered gone
	pingPeriod = 20 * time.Second
	writeWait  = 10 * time.Second
)

// closeCodeFor maps a hub close reason to the wire close code of §6.
func closeCodeFor(reason hub.CloseReason) int {
	switch reason {
	case hub.ReasonMailboxGone:
		return 4000
	case hub.ReasonSlowConsumer:
		return 4001
	case hub.ReasonRateLimited:
		return 4008
	case hub.ReasonShutdown:
		return websocket.CloseGoingAway // 1001, per §9 shutdown behavior
	default:
		return websocket.CloseNormalClosure // 1000
	}
}

// HandleWebSocket implements GET /ws/{mailbox_id} (§6, §4.4). It snapshots
// and subscribes in one mailbox.Store call, then pumps hub messages to the
// client as JSON text frames until the subscriber is evicted or the peer
// disconnects.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	mailboxID := r.PathValue("mailbox_id")
	if mailboxID == "" || !h.Mailboxes.Exists(r.Context(), mailboxID) {
		h.writeError(r, w, apierr.ErrMailboxGone)
		return
	}

	sub, err := h.Mailboxes.Subscribe(r.Context(), mailboxID)
	if err != nil {
		h.writeError(r, w, err)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Debug("websocket upgrade failed", zap.String("mailbox_id", mailboxID), zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go h.wsReadPump(conn, done)
	h.wsWritePump(conn, sub, done)
}

// wsReadPump drains and discards client frames, resetting the pong
// deadline on every pong (and on any other frame, which is harmless since
// this endpoint is push-only). It exists solely to detect a dead peer;
// closing done tells the write pump to stop.
func (h *Handlers) wsReadPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWritePump pushes hub messages and periodic pings until sub closes,
// the peer goes quiet, or the read pump observes a disconnect.
func (h *Handlers) wsWritePump(conn *websocket.Conn, sub *hub.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.Mailboxes.Unsubscribe(sub)

	for {
		select {
		case msg, ok := <-sub.Out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(models.MailboxMessageView{
				Seq:              msg.Seq,
				FromMailboxID:    msg.FromMailboxID,
				CiphertextB64:    msg.CiphertextB64,
				CreatedAtEpochMs: msg.CreatedAtEpochMs,
			}); err != nil {
				return
			}
		case reason, ok := <-sub.Closed:
			if !ok {
				return
			}
			code := closeCodeFor(reason)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, string(reason)))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
