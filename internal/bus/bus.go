package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespaces []string
	userID     string
	ch         chan Event
}

func (s *subscription) matches(evt Event) bool {
	if s.userID != "" && s.userID != evt.UserID {
		return false
	}
	for _, ns := range s.namespaces {
		if strings.HasPrefix(evt.Kind, ns) {
			return true
		}
	}
	return false
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind. Subscribers bound to a user only see that user's events.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe([]string{namespace}, "", bufSize)
}

// SubscribeMany is Subscribe over several namespace prefixes. Matching
// events share one channel, so their publish order is kept.
func (b *Bus) SubscribeMany(bufSize int, namespaces ...string) (<-chan Event, func()) {
	return b.subscribe(namespaces, "", bufSize)
}

// SubscribeUser is Subscribe restricted to events of a single user.
func (b *Bus) SubscribeUser(namespace, userID string, bufSize int) (<-chan Event, func()) {
	return b.subscribe([]string{namespace}, userID, bufSize)
}

func (b *Bus) subscribe(namespaces []string, userID string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespaces: namespaces, userID: userID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
