package wa

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/store"
)

// handle is the whatsmeow event handler. Connection lifecycle goes to the
// session event stream; message traffic is published on the bus tagged with
// the user id. It does not touch the cache: the sync engine subscribes to
// the bus independently.
func (a *Adapter) handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		a.logger.Info("paired", zap.String("jid", evt.ID.String()))
		a.saveDevice(evt.ID)
	case *events.Connected:
		a.logger.Info("WhatsApp connected")
		if a.client.Store.ID != nil {
			a.saveDevice(*a.client.Store.ID)
		}
		a.emit(SessionEvent{Kind: EventConnected, Identity: a.Identity()})
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		a.emit(SessionEvent{Kind: EventDisconnected})
	case *events.StreamReplaced:
		a.logger.Warn("stream replaced by another connection")
		a.emit(SessionEvent{Kind: EventDisconnected, Err: errors.New("connection replaced by another client")})
	case *events.ConnectFailure:
		a.logger.Warn("connect failure", zap.String("reason", evt.Reason.String()))
		a.emit(SessionEvent{Kind: EventDisconnected, Err: fmt.Errorf("connect failure: %s", evt.Reason)})
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		a.forgetDevice()
		a.emit(SessionEvent{Kind: EventLoggedOut, Err: fmt.Errorf("logged out: %s", evt.Reason)})
	case *events.Message:
		a.handleMessage(evt)
	case *events.Receipt:
		a.handleReceipt(evt)
	case *events.HistorySync:
		a.handleHistorySync(evt)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	chat := a.resolveJID(ctx, evt.Info.Chat)
	msg, ok := ParseLiveMessage(evt, chat)
	if !ok {
		return
	}
	if att, ok := mediaAttachment(evt.Message); ok {
		dlCtx, dlCancel := context.WithTimeout(context.Background(), mediaTimeout)
		msg.MediaRef, _ = a.fetchMedia(dlCtx, msg.ID, att)
		dlCancel()
	}
	handle := chat.String()
	a.history.record(RemoteChat{ContactID: msg.ChatID, Handle: handle}, []store.Message{msg})
	a.bus.Publish(bus.NewEvent(bus.KindNetworkMessage, a.userID, MessageEvent{
		Handle:  handle,
		Message: msg,
	}))
}

func (a *Adapter) handleReceipt(evt *events.Receipt) {
	status, ok := receiptStatus(evt.Type)
	if !ok || len(evt.MessageIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	chat := a.resolveJID(ctx, evt.Chat)
	if !isContactChat(chat) {
		return
	}
	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	a.bus.Publish(bus.NewEvent(bus.KindNetworkReceipt, a.userID, ReceiptEvent{
		ChatID:     chat.User,
		MessageIDs: ids,
		Status:     status,
	}))
}

func receiptStatus(t types.ReceiptType) (store.DeliveryStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return store.StatusDelivered, true
	case types.ReceiptTypeRead:
		return store.StatusRead, true
	case types.ReceiptTypePlayed:
		return store.StatusPlayed, true
	case types.ReceiptTypeServerError:
		return store.StatusError, true
	default:
		return "", false
	}
}

func (a *Adapter) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var batch HistoryEvent
	for _, conv := range data.GetConversations() {
		raw, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		chat := a.resolveJID(ctx, raw)
		if !isContactChat(chat) {
			continue
		}
		rc := RemoteChat{
			ContactID:   chat.User,
			Handle:      chat.String(),
			Name:        conv.GetName(),
			UnreadCount: int(conv.GetUnreadCount()),
		}
		var msgs []store.Message
		for _, hm := range conv.GetMessages() {
			m, ok := ParseHistoryMessage(hm.GetMessage(), chat)
			if !ok {
				continue
			}
			// History media is only downloaded when backfill asks for it.
			if att, ok := mediaAttachment(hm.GetMessage().GetMessage()); ok {
				a.history.deferMedia(m.ID, att)
			}
			msgs = append(msgs, m)
		}
		a.history.record(rc, msgs)
		batch.Chats = append(batch.Chats, rc)
		batch.Messages = append(batch.Messages, msgs...)
	}

	a.logger.Debug("history sync",
		zap.String("type", data.GetSyncType().String()),
		zap.Int("chats", len(batch.Chats)),
		zap.Int("messages", len(batch.Messages)))
	if len(batch.Chats) > 0 {
		a.bus.Publish(bus.NewEvent(bus.KindNetworkHistory, a.userID, batch))
	}
}

// resolveJID maps a linked id (@lid) to the phone number JID when the device
// store knows the mapping, and strips device suffixes.
func (a *Adapter) resolveJID(ctx context.Context, jid types.JID) types.JID {
	jid = jid.ToNonAD()
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn.ToNonAD()
}

func (a *Adapter) saveDevice(jid types.JID) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := a.devices.SetDevice(ctx, a.userID, jid.String()); err != nil {
		a.logger.Warn("save device route failed", zap.Error(err))
	}
}

func (a *Adapter) forgetDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := a.devices.DeleteDevice(ctx, a.userID); err != nil {
		a.logger.Warn("forget device route failed", zap.Error(err))
	}
}
