package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// userQueueSize bounds the events buffered for one user while the
// previous one is being applied. History batches arrive as single events.
const userQueueSize = 4096

// Engine applies live network traffic to the cache. Each session follows
// its own user's "wa." events, so a burst for one user neither delays nor
// overflows another's.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEngine creates a new sync engine.
func NewEngine(s *store.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  s,
		bus:    b,
		logger: logger,
	}
}

// Follow ingests userID's network events until ctx is done. The
// subscription is in place when Follow returns; the returned channel is
// closed once the loop has exited.
func (e *Engine) Follow(ctx context.Context, userID string) <-chan struct{} {
	ch, unsub := e.bus.SubscribeUser("wa.", userID, userQueueSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

func (e *Engine) handleEvent(evt bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic handling network event",
				zap.String("user", evt.UserID), zap.String("kind", evt.Kind), zap.Any("panic", r))
		}
	}()

	switch p := evt.Payload.(type) {
	case wa.MessageEvent:
		if err := e.IngestMessage(evt.UserID, p); err != nil {
			e.logger.Warn("failed to ingest message", zap.Error(err),
				zap.String("user", evt.UserID), zap.String("msg_id", p.Message.ID))
		}
	case wa.ReceiptEvent:
		e.ApplyReceipt(evt.UserID, p)
	case wa.HistoryEvent:
		added := e.IngestHistory(evt.UserID, p)
		e.logger.Info("history batch ingested",
			zap.String("user", evt.UserID),
			zap.Int("chats", len(p.Chats)),
			zap.Int("messages", added))
	}
}

// IngestMessage stores a live message (idempotent) and announces it.
func (e *Engine) IngestMessage(userID string, evt wa.MessageEvent) error {
	added, err := e.store.AppendMessage(userID, evt.Message)
	if err != nil {
		return err
	}
	if evt.Handle != "" {
		if _, err := e.store.UpsertChat(userID, store.ChatUpdate{
			ContactID:      evt.Message.ChatID,
			ExternalHandle: evt.Handle,
		}); err != nil {
			return err
		}
	}
	if !added {
		return nil
	}

	kind := bus.KindMessageReceived
	if evt.Message.Direction == store.Outbound {
		kind = bus.KindMessageSent
	}
	e.bus.Publish(bus.NewEvent(kind, userID, evt.Message))
	return nil
}

// ApplyReceipt moves delivery statuses forward and announces the changes.
func (e *Engine) ApplyReceipt(userID string, r wa.ReceiptEvent) {
	for _, id := range r.MessageIDs {
		changed, err := e.store.UpdateDeliveryStatus(userID, id, r.Status)
		if err != nil {
			e.logger.Warn("failed to apply receipt", zap.Error(err), zap.String("user", userID))
			return
		}
		if changed {
			e.bus.Publish(bus.NewEvent(bus.KindDeliveryStatus, userID, store.DeliveryUpdate{
				MessageID: id,
				ChatID:    r.ChatID,
				Status:    r.Status,
			}))
		}
	}
}

// IngestHistory merges a history sync batch. A bad entry is skipped and the
// rest of the batch still applies. Returns the number of new messages.
func (e *Engine) IngestHistory(userID string, h wa.HistoryEvent) int {
	added := 0
	for _, m := range h.Messages {
		ok, err := e.store.AppendMessage(userID, m)
		if err != nil {
			e.logger.Debug("skipping history message", zap.Error(err), zap.String("msg_id", m.ID))
			continue
		}
		if ok {
			added++
		}
	}
	// Chat metadata goes last so the network's unread counter wins over
	// the counts accumulated by appending old inbound messages.
	for _, c := range h.Chats {
		unread := c.UnreadCount
		if _, err := e.store.UpsertChat(userID, store.ChatUpdate{
			ContactID:      c.ContactID,
			ExternalHandle: c.Handle,
			DisplayName:    c.Name,
			UnreadCount:    &unread,
		}); err != nil {
			e.logger.Debug("skipping history chat", zap.Error(err), zap.String("chat", c.ContactID))
		}
	}
	return added
}
