package store

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/contact"
	"github.com/matheus3301/wabridge/internal/failure"
)

// DefaultPageSize is used when a list call passes a non-positive limit.
const DefaultPageSize = 50

// DefaultRetention bounds the number of messages cached per user.
const DefaultRetention = 2000

// Persister receives every cache mutation. Implementations must not block
// the caller; DB queues writes and applies them in the background.
type Persister interface {
	LoadUser(ctx context.Context, userID string) ([]Chat, []Message, error)
	SaveChat(userID string, c Chat)
	SaveMessage(userID string, m Message)
	SaveDeliveryStatus(userID, messageID string, status DeliveryStatus)
	DeleteMessages(userID string, ids []string)
}

// Store is the per-user chat and message cache. Each user has an isolated
// cache guarded by its own lock; values are copied out on read.
type Store struct {
	mu        sync.Mutex
	users     map[string]*userCache
	retention int
	persist   Persister
	logger    *zap.Logger
}

type userCache struct {
	mu       sync.RWMutex
	load     sync.Once
	chats    map[string]*Chat
	messages map[string][]Message // chat id -> ascending by timestamp
	index    map[string]string    // message id -> chat id
	count    int
}

// Option configures a Store.
type Option func(*Store)

// WithPersister mirrors cache mutations into p and warms users from it.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store keeping at most retention messages per user.
func New(retention int, opts ...Option) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		users:     make(map[string]*userCache),
		retention: retention,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) user(userID string) *userCache {
	s.mu.Lock()
	uc, ok := s.users[userID]
	if !ok {
		uc = &userCache{
			chats:    make(map[string]*Chat),
			messages: make(map[string][]Message),
			index:    make(map[string]string),
		}
		s.users[userID] = uc
	}
	s.mu.Unlock()

	uc.load.Do(func() { s.warm(userID, uc) })
	return uc
}

// warm fills a fresh cache from the persister, if any.
func (s *Store) warm(userID string, uc *userCache) {
	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chats, msgs, err := s.persist.LoadUser(ctx, userID)
	if err != nil {
		s.logger.Warn("warm cache failed", zap.String("user", userID), zap.Error(err))
		return
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	skipped := 0
	for i := range chats {
		c := chats[i]
		if !contact.Valid(c.ContactID) {
			skipped++
			continue
		}
		uc.chats[c.ContactID] = &c
	}
	for _, m := range msgs {
		if !contact.Valid(m.ChatID) {
			skipped++
			continue
		}
		if _, dup := uc.index[m.ID]; dup {
			continue
		}
		uc.insert(m)
	}
	// Persisted rows were trimmed already; this only matters if the
	// retention bound shrank between runs.
	if evicted := uc.evict(s.retention); len(evicted) > 0 {
		s.persist.DeleteMessages(userID, evicted)
	}
	if skipped > 0 {
		s.logger.Warn("skipped persisted rows with invalid contact ids",
			zap.String("user", userID), zap.Int("rows", skipped))
	}
	s.logger.Debug("cache warmed",
		zap.String("user", userID),
		zap.Int("chats", len(chats)),
		zap.Int("messages", uc.count))
}

// UpsertChat merges u into the user's chat, creating it if needed. Absent
// fields are left untouched, a known external handle is never cleared and
// the last-message preview only moves forward in time.
func (s *Store) UpsertChat(userID string, u ChatUpdate) (Chat, error) {
	id := contact.Normalize(u.ContactID)
	if !contact.Valid(id) {
		return Chat{}, failure.New(failure.InvalidRecipient, "invalid contact id %q", u.ContactID)
	}

	uc := s.user(userID)
	uc.mu.Lock()
	c := uc.chat(id)
	if u.ExternalHandle != "" {
		c.ExternalHandle = u.ExternalHandle
	}
	if u.DisplayName != "" {
		c.DisplayName = u.DisplayName
	}
	if u.AvatarURL != "" {
		c.AvatarURL = u.AvatarURL
	}
	if u.LastMessage != nil && u.LastMessage.Time >= c.LastMessageTime {
		c.LastMessageBody = u.LastMessage.Body
		c.LastMessageTime = u.LastMessage.Time
	}
	if u.UnreadCount != nil {
		c.UnreadCount = max(*u.UnreadCount, 0)
	}
	out := *c
	uc.mu.Unlock()

	if s.persist != nil {
		s.persist.SaveChat(userID, out)
	}
	return out, nil
}

// AppendMessage stores m unless a message with the same id is already known
// for the user. It reports whether the message was added.
func (s *Store) AppendMessage(userID string, m Message) (bool, error) {
	if m.ID == "" {
		return false, failure.New(failure.InvalidRequest, "message id is required")
	}
	m.ChatID = contact.Normalize(m.ChatID)
	if !contact.Valid(m.ChatID) {
		return false, failure.New(failure.InvalidRecipient, "invalid contact id %q", m.ChatID)
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	switch {
	case m.Direction == Outbound && m.DeliveryStatus == "":
		m.DeliveryStatus = StatusPending
	case m.Direction != Outbound:
		m.Direction = Inbound
		m.DeliveryStatus = ""
	}

	uc := s.user(userID)
	uc.mu.Lock()
	if _, dup := uc.index[m.ID]; dup {
		uc.mu.Unlock()
		return false, nil
	}
	uc.insert(m)

	c := uc.chat(m.ChatID)
	if c.DisplayName == c.ContactID && m.Direction == Inbound && m.SenderName != "" {
		c.DisplayName = m.SenderName
	}
	if m.Timestamp >= c.LastMessageTime {
		c.LastMessageBody = Preview(m)
		c.LastMessageTime = m.Timestamp
	}
	if m.Direction == Inbound {
		c.UnreadCount++
	}
	chat := *c
	evicted := uc.evict(s.retention)
	uc.mu.Unlock()

	if s.persist != nil {
		s.persist.SaveMessage(userID, m)
		s.persist.SaveChat(userID, chat)
		if len(evicted) > 0 {
			s.persist.DeleteMessages(userID, evicted)
		}
	}
	return true, nil
}

// ListChats returns the user's chats most recent first. Chats whose id is
// not a valid contact id are never returned.
func (s *Store) ListChats(userID string, limit, offset int) ChatPage {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset = max(offset, 0)

	uc := s.user(userID)
	uc.mu.RLock()
	all := make([]Chat, 0, len(uc.chats))
	for _, c := range uc.chats {
		if contact.Valid(c.ContactID) {
			all = append(all, *c)
		}
	}
	uc.mu.RUnlock()

	slices.SortFunc(all, func(a, b Chat) int {
		if c := cmp.Compare(b.LastMessageTime, a.LastMessageTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ContactID, b.ContactID)
	})

	page := ChatPage{Chats: []Chat{}, Total: len(all)}
	if offset < len(all) {
		end := min(offset+limit, len(all))
		page.Chats = all[offset:end]
		page.HasMore = end < len(all)
	}
	return page
}

// ListMessages returns up to limit messages of a chat in ascending time
// order: the newest ones, or when before > 0 the ones immediately preceding
// that timestamp. Reading a chat clears its unread counter.
func (s *Store) ListMessages(userID, chatID string, limit int, before int64) MessagePage {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	id := contact.Normalize(chatID)

	uc := s.user(userID)
	uc.mu.Lock()
	list := uc.messages[id]
	end := len(list)
	if before > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].Timestamp >= before })
	}
	start := max(end-limit, 0)
	// Never split a run of equal timestamps across pages: the next page is
	// requested with before = oldest timestamp of this one. A run that fills
	// the whole page is returned entirely, even past limit.
	if start > 0 && list[start-1].Timestamp == list[start].Timestamp {
		boundary := list[start].Timestamp
		next := start + sort.Search(end-start, func(i int) bool { return list[start+i].Timestamp > boundary })
		if next < end {
			start = next
		} else {
			start = sort.Search(start, func(i int) bool { return list[i].Timestamp >= boundary })
		}
	}

	page := MessagePage{
		Messages: slices.Clone(list[start:end]),
		Total:    len(list),
		HasMore:  start > 0,
	}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	if len(page.Messages) > 0 {
		page.OldestTimestamp = page.Messages[0].Timestamp
	}

	var read *Chat
	if c, ok := uc.chats[id]; ok && c.UnreadCount > 0 {
		c.UnreadCount = 0
		cp := *c
		read = &cp
	}
	uc.mu.Unlock()

	if read != nil && s.persist != nil {
		s.persist.SaveChat(userID, *read)
	}
	return page
}

// UpdateDeliveryStatus moves an outbound message's status forward. Stale or
// duplicate reports are ignored; Error is always applied. It reports whether
// the stored status changed.
func (s *Store) UpdateDeliveryStatus(userID, messageID string, status DeliveryStatus) (bool, error) {
	if status.rank() == 0 && status != StatusError {
		return false, failure.New(failure.InvalidRequest, "unknown delivery status %q", status)
	}

	uc := s.user(userID)
	uc.mu.Lock()
	chatID, ok := uc.index[messageID]
	if !ok {
		uc.mu.Unlock()
		return false, nil
	}
	list := uc.messages[chatID]
	changed := false
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ID != messageID {
			continue
		}
		if list[i].Direction == Outbound && list[i].DeliveryStatus.Advances(status) {
			list[i].DeliveryStatus = status
			changed = true
		}
		break
	}
	uc.mu.Unlock()

	if changed && s.persist != nil {
		s.persist.SaveDeliveryStatus(userID, messageID, status)
	}
	return changed, nil
}

// FindMessage looks for messageID among the most recent window messages of
// a chat. An empty chatID searches the chat the message belongs to.
func (s *Store) FindMessage(userID, chatID, messageID string, window int) (Message, bool) {
	uc := s.user(userID)
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	if chatID == "" {
		var ok bool
		if chatID, ok = uc.index[messageID]; !ok {
			return Message{}, false
		}
	} else {
		chatID = contact.Normalize(chatID)
	}
	list := uc.messages[chatID]
	if window <= 0 || window > len(list) {
		window = len(list)
	}
	for i := len(list) - 1; i >= len(list)-window; i-- {
		if list[i].ID == messageID {
			return list[i], true
		}
	}
	return Message{}, false
}

// HasChat reports whether the user's cache knows the chat.
func (s *Store) HasChat(userID, contactID string) bool {
	_, ok := s.GetChat(userID, contactID)
	return ok
}

// GetChat returns a copy of the user's chat.
func (s *Store) GetChat(userID, contactID string) (Chat, bool) {
	uc := s.user(userID)
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	c, ok := uc.chats[contact.Normalize(contactID)]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// Stats returns cache totals across all users.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	caches := make([]*userCache, 0, len(s.users))
	for _, uc := range s.users {
		caches = append(caches, uc)
	}
	s.mu.Unlock()

	st := Stats{Users: len(caches)}
	for _, uc := range caches {
		uc.mu.RLock()
		st.Chats += len(uc.chats)
		st.Messages += uc.count
		uc.mu.RUnlock()
	}
	return st
}

// chat returns the chat for id, creating an empty one. Caller holds uc.mu.
func (uc *userCache) chat(id string) *Chat {
	c, ok := uc.chats[id]
	if !ok {
		c = &Chat{ContactID: id, DisplayName: id}
		uc.chats[id] = c
	}
	return c
}

// insert places m after any message with the same or an older timestamp.
// Caller holds uc.mu.
func (uc *userCache) insert(m Message) {
	list := uc.messages[m.ChatID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > m.Timestamp })
	uc.messages[m.ChatID] = slices.Insert(list, i, m)
	uc.index[m.ID] = m.ChatID
	uc.count++
}

// evict drops the oldest messages across all chats until the cache fits
// the retention bound. Caller holds uc.mu.
func (uc *userCache) evict(retention int) []string {
	var evicted []string
	for uc.count > retention {
		oldest := ""
		for chatID, list := range uc.messages {
			if len(list) == 0 {
				continue
			}
			if oldest == "" || list[0].Timestamp < uc.messages[oldest][0].Timestamp {
				oldest = chatID
			}
		}
		if oldest == "" {
			break
		}
		list := uc.messages[oldest]
		delete(uc.index, list[0].ID)
		evicted = append(evicted, list[0].ID)
		if len(list) == 1 {
			delete(uc.messages, oldest)
		} else {
			uc.messages[oldest] = slices.Delete(list, 0, 1)
		}
		uc.count--
	}
	return evicted
}

// Preview renders the chat-list preview of a message.
func Preview(m Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.Type == TypeText || m.Type == "" {
		return ""
	}
	return "[" + string(m.Type) + "]"
}
