package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/fanout"
)

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", zap.String("user", id), zap.Error(err))
		return
	}
	h.logger.Info("event subscriber connected", zap.String("user", id))

	greeting := fanout.NewFrame(fanout.EventStatus, id, newStatusResponse(h.sessions.GetStatus(id)))
	h.hub.Serve(r.Context(), id, ws, greeting)
	h.logger.Info("event subscriber disconnected", zap.String("user", id))
}
