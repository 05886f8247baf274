package fanout

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
	readLimit  = 4096
)

// Serve registers ws as userID's subscriber and keeps it alive with pings
// until the peer goes away or ctx ends. greeting frames are sent first.
func (h *Hub) Serve(ctx context.Context, userID string, ws *websocket.Conn, greeting ...Frame) {
	h.Subscribe(userID, ws, greeting...)
	defer h.Unsubscribe(userID, ws)

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Read pump; clients do not send anything we act on.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("ping failed", zap.String("user", userID), zap.Error(err))
				return
			}
		case <-gone:
			h.logger.Debug("subscriber went away", zap.String("user", userID))
			return
		case <-ctx.Done():
			return
		}
	}
}
