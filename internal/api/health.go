package api

import (
	"net/http"
	"time"
)

type sessionSummary struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type healthResponse struct {
	Status              string           `json:"status"`
	Message             string           `json:"message"`
	ActiveClients       int              `json:"active_clients"`
	TotalMessagesStored int              `json:"total_messages_stored"`
	TotalChats          int              `json:"total_chats"`
	CachedUsers         int              `json:"cached_users"`
	Subscribers         int              `json:"subscribers"`
	UptimeMs            int64            `json:"uptime_ms"`
	Sessions            []sessionSummary `json:"sessions"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.Sessions()
	stats := h.store.Stats()

	resp := healthResponse{
		Status:              "healthy",
		Message:             "WhatsApp service is running",
		ActiveClients:       len(sessions),
		TotalMessagesStored: stats.Messages,
		TotalChats:          stats.Chats,
		CachedUsers:         stats.Users,
		UptimeMs:            time.Since(h.startedAt).Milliseconds(),
		Sessions:            make([]sessionSummary, 0, len(sessions)),
	}
	if h.hub != nil {
		resp.Subscribers = h.hub.Subscribers()
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionSummary{
			UserID: s.UserID,
			Status: newStatusResponse(s).Status,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
