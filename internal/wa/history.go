package wa

import (
	"cmp"
	"slices"
	"sync"

	"github.com/matheus3301/wabridge/internal/store"
)

// historyPerChat bounds the messages kept per chat in the history buffer.
const historyPerChat = 200

// history accumulates what the network pushed to this device (history sync
// blobs and live traffic). whatsmeow has no chat list query, so this buffer
// answers FetchChats and FetchMessages.
type history struct {
	mu    sync.Mutex
	chats map[string]*historyChat // contact id
	media map[string]attachment   // message id, not downloaded yet
}

type historyChat struct {
	chat     RemoteChat
	messages []store.Message
	ids      map[string]struct{}
}

func newHistory() *history {
	return &history{
		chats: make(map[string]*historyChat),
		media: make(map[string]attachment),
	}
}

// record merges chat metadata and messages into the buffer.
func (h *history) record(chat RemoteChat, msgs []store.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hc, ok := h.chats[chat.ContactID]
	if !ok {
		hc = &historyChat{
			chat: RemoteChat{ContactID: chat.ContactID},
			ids:  make(map[string]struct{}),
		}
		h.chats[chat.ContactID] = hc
	}
	if chat.Handle != "" {
		hc.chat.Handle = chat.Handle
	}
	if chat.Name != "" {
		hc.chat.Name = chat.Name
	}
	if chat.UnreadCount > 0 {
		hc.chat.UnreadCount = chat.UnreadCount
	}

	for _, m := range msgs {
		if _, dup := hc.ids[m.ID]; dup {
			continue
		}
		hc.ids[m.ID] = struct{}{}
		hc.messages = append(hc.messages, m)
	}
	slices.SortStableFunc(hc.messages, func(a, b store.Message) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	if extra := len(hc.messages) - historyPerChat; extra > 0 {
		for _, m := range hc.messages[:extra] {
			delete(hc.ids, m.ID)
			delete(h.media, m.ID)
		}
		hc.messages = slices.Delete(hc.messages, 0, extra)
	}
	if n := len(hc.messages); n > 0 {
		last := hc.messages[n-1]
		hc.chat.LastMessage = &last
	}
}

// list returns up to limit chats, most recent first.
func (h *history) list(limit int) []RemoteChat {
	h.mu.Lock()
	out := make([]RemoteChat, 0, len(h.chats))
	for _, hc := range h.chats {
		c := hc.chat
		if c.LastMessage != nil {
			last := *c.LastMessage
			c.LastMessage = &last
		}
		out = append(out, c)
	}
	h.mu.Unlock()

	slices.SortFunc(out, func(a, b RemoteChat) int {
		return cmp.Compare(lastTime(b), lastTime(a))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// messages returns the newest limit messages of a chat, oldest first.
func (h *history) messages(contactID string, limit int) []store.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	hc, ok := h.chats[contactID]
	if !ok {
		return nil
	}
	start := 0
	if limit > 0 && len(hc.messages) > limit {
		start = len(hc.messages) - limit
	}
	return slices.Clone(hc.messages[start:])
}

// deferMedia keeps a message's attachment for download on first fetch.
func (h *history) deferMedia(messageID string, att attachment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.media[messageID] = att
}

// pendingMedia returns the attachment of a message still to download.
func (h *history) pendingMedia(messageID string) (attachment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	att, ok := h.media[messageID]
	return att, ok
}

// resolveMedia stores the downloaded reference of a buffered message.
func (h *history) resolveMedia(contactID, messageID, ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.media, messageID)
	hc, ok := h.chats[contactID]
	if !ok {
		return
	}
	for i := range hc.messages {
		if hc.messages[i].ID == messageID {
			hc.messages[i].MediaRef = ref
			return
		}
	}
}

func lastTime(c RemoteChat) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}
