package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/contact"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/store"
)

func (h *Handler) chats(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", store.DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	page := h.store.ListChats(id, limit, offset)
	writeJSON(w, http.StatusOK, page)
	if h.refresher != nil {
		h.refresher.Trigger(id)
	}
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	chatID, err := contact.Validate(chi.URLParam(r, "phone"))
	if err != nil {
		writeError(w, failure.New(failure.InvalidRecipient, "%v", err))
		return
	}
	limit, err := intParam(r, "limit", store.DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || before < 0 {
			writeError(w, failure.New(failure.InvalidRequest, "before must be a unix timestamp in milliseconds"))
			return
		}
	}

	chat, known := h.store.GetChat(id, chatID)
	page := h.store.ListMessages(id, chatID, limit, before)
	writeJSON(w, http.StatusOK, page)

	if h.refresher != nil && !known {
		h.refresher.RefreshChat(id, chatID)
	}
	if known && chat.UnreadCount > 0 {
		h.markRead(id, chat, page.Messages)
	}
}

// markRead sends read receipts for the inbound messages just shown. It is
// best-effort and does not delay the response.
func (h *Handler) markRead(userID string, chat store.Chat, msgs []store.Message) {
	client, err := h.sessions.ReadyClient(userID)
	if err != nil {
		return
	}
	var ids []string
	for _, m := range msgs {
		if m.Direction == store.Inbound {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	handle := chat.ExternalHandle
	if handle == "" {
		handle = client.HandleFor(chat.ContactID)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.markReadTimeout)
		defer cancel()
		if err := client.MarkRead(ctx, handle, ids); err != nil {
			h.logger.Debug("mark read failed", zap.String("user", userID), zap.Error(err))
		}
	}()
}
