package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/herdsync/herdsync/internal/dispatch"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second

	// first frame on every stream, sent once the subscription is live
	EventStreamConnected dispatch.EventType = "connected"
)

// Events streams dispatcher events to a websocket client until either side
// goes away. The client is not expected to send anything.
func (h *Handler) Events(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}
	defer conn.CloseNow()

	// drops client frames and cancels ctx once the peer closes
	ctx := conn.CloseRead(c.Request.Context())

	events := h.dispatcher.Subscribe()
	defer h.dispatcher.Unsubscribe(events)

	slog.Debug("control plane events connected", "ip", c.ClientIP())
	hello := &dispatch.Event{Type: EventStreamConnected, At: time.Now()}
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("control plane events disconnected", "ip", c.ClientIP())
			return

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Warn("control plane events write", "error", err)
				return
			}

		case <-ping.C:
			ctxPing, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(ctxPing)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev *dispatch.Event) error {
	ctxWrite, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctxWrite, conn, ev)
}
