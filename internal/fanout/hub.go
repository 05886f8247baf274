// Package fanout delivers bus events to each user's live websocket.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/status"
)

// Wire names of the events sent to subscribers.
const (
	EventStatus        = "status"
	EventQR            = "qr"
	EventReady         = "ready"
	EventAuthenticated = "authenticated"
	EventDisconnected  = "disconnected"
	EventAuthFailure   = "auth_failure"
	EventError         = "error"
	EventMessage       = "message"
	EventMessageSent   = "message_sent"
	EventMessageAck    = "message_ack"
)

const (
	writeWait    = 10 * time.Second
	queueSize    = 64
	busQueueSize = 2048
)

// Frame is one message on the wire.
type Frame struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// NewFrame stamps an event with a fresh id and the current time.
func NewFrame(event, userID string, data any) Frame {
	return Frame{
		ID:        uuid.New().String(),
		Event:     event,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	conn  Conn
	queue chan Frame
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub keeps at most one subscriber per user.
type Hub struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscriber

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub.
func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:    b,
		logger: logger,
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers c as userID's subscriber, closing any previous one.
// greeting frames are queued before any event.
func (h *Hub) Subscribe(userID string, c Conn, greeting ...Frame) {
	sub := &subscriber{
		conn:  c,
		queue: make(chan Frame, queueSize),
		done:  make(chan struct{}),
	}
	for _, f := range greeting {
		sub.queue <- f
	}

	h.mu.Lock()
	prev := h.subs[userID]
	h.subs[userID] = sub
	h.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	go h.writeLoop(userID, sub)
	h.logger.Debug("subscriber registered", zap.String("user", userID), zap.Bool("replaced", prev != nil))
}

// Unsubscribe removes c if it is still userID's subscriber.
func (h *Hub) Unsubscribe(userID string, c Conn) {
	h.mu.Lock()
	sub, ok := h.subs[userID]
	if ok && sub.conn == c {
		delete(h.subs, userID)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish queues an event for userID's subscriber. Users without a
// subscriber are skipped; a full queue drops the event.
func (h *Hub) Publish(userID, event string, data any) {
	h.mu.Lock()
	sub, ok := h.subs[userID]
	h.mu.Unlock()
	if !ok {
		return
	}
	f := NewFrame(event, userID, data)
	select {
	case sub.queue <- f:
	case <-sub.done:
	default:
		h.logger.Warn("subscriber queue full, dropping event",
			zap.String("user", userID), zap.String("event", event))
	}
}

func (h *Hub) writeLoop(userID string, sub *subscriber) {
	for {
		select {
		case f := <-sub.queue:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(f); err != nil {
				h.logger.Debug("write to subscriber failed",
					zap.String("user", userID), zap.String("event", f.Event), zap.Error(err))
			}
		case <-sub.done:
			return
		}
	}
}

// Start forwards session and message events from the bus. Both kinds
// arrive on one subscription so a user's events keep their publish order.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	events, unsub := h.bus.SubscribeMany(busQueueSize, "session.", "message.")

	go func() {
		defer close(h.done)
		defer unsub()
		for {
			select {
			case evt := <-events:
				h.forward(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops forwarding and closes every subscriber.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (h *Hub) forward(evt bus.Event) {
	name, data, ok := Translate(evt)
	if !ok {
		return
	}
	h.Publish(evt.UserID, name, data)
}

// Translate maps a bus event to its wire name and data.
func Translate(evt bus.Event) (string, any, bool) {
	switch evt.Kind {
	case bus.KindMessageReceived:
		return EventMessage, evt.Payload, true
	case bus.KindMessageSent:
		return EventMessageSent, evt.Payload, true
	case bus.KindDeliveryStatus:
		return EventMessageAck, evt.Payload, true
	case bus.KindAuthenticated:
		identity, _ := evt.Payload.(string)
		return EventAuthenticated, map[string]any{"phone_number": identity}, true
	}

	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return "", nil, false
	}
	snap := change.Snapshot
	switch evt.Kind {
	case bus.KindPairingReady:
		return EventQR, map[string]any{"qr_code": snap.PairingPayload}, true
	case bus.KindSessionReady:
		return EventReady, map[string]any{"phone_number": snap.Identity}, true
	case bus.KindDisconnected:
		return EventDisconnected, map[string]any{"reason": "disconnected"}, true
	case bus.KindAuthFailure:
		return EventAuthFailure, map[string]any{"error": snap.LastError}, true
	case bus.KindSessionError:
		if snap.ErrorKind == failure.TransportDisconnected {
			return EventDisconnected, map[string]any{"reason": snap.LastError}, true
		}
		return EventError, map[string]any{"error": snap.LastError, "code": snap.ErrorKind.String()}, true
	default:
		return "", nil, false
	}
}
