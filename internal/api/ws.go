package api

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
)

const wsWriteTimeout = 5 * time.Second

// wsHello is the first frame on every connection: the current snapshot, so a
// reconnecting client does not have to wait for the next event.
type wsHello struct {
	Type  string                  `json:"type"`
	State models.SystemAudioState `json:"state"`
}

// websocketEvents streams the event feed to one client. Clients that cannot
// keep up are disconnected with a slow_consumer close frame rather than
// allowed to stall publishers.
func (h *Handlers) websocketEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Local-network control surface; origins vary (dock, phones).
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub.ID)

	// Write-only feed: inbound frames are discarded, and the returned context
	// ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	if err := h.wsWrite(ctx, conn, wsHello{Type: "hello", State: h.audio.Snapshot()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		case <-sub.Done():
			if sub.Reason() == events.CloseReasonSlowConsumer {
				conn.Close(websocket.StatusPolicyViolation, events.CloseReasonSlowConsumer)
			} else {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := h.wsWrite(ctx, conn, ev); err != nil {
				h.log.Debug().Err(err).Str("subscriber", sub.ID).Msg("websocket write failed")
				return
			}
		}
	}
}

func (h *Handlers) wsWrite(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
