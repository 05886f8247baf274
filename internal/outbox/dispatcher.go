// Package outbox sends messages on behalf of a user and records them in the
// cache.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/contact"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// SendRequest is one outbound message. Text is the body, or the caption
// when Media is set.
type SendRequest struct {
	To          string
	Text        string
	Media       *wa.Media
	ReplyTo     string
	ForwardFrom string
}

// SendResult echoes what was sent and the chat it landed in.
type SendResult struct {
	Outcome Outcome
	Message store.Message
	Chat    store.Chat
}

// Sessions hands out the client of a Ready session.
type Sessions interface {
	ReadyClient(userID string) (wa.Client, error)
}

// Config bounds the network calls made during a send.
type Config struct {
	LookupTimeout time.Duration
	SendTimeout   time.Duration
	ReplyWindow   int
}

// Dispatcher sends messages through the user's session.
type Dispatcher struct {
	sessions Sessions
	store    *store.Store
	bus      *bus.Bus
	cfg      Config
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sessions Sessions, s *store.Store, b *bus.Bus, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		store:    s,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
	}
}

// Send validates, plans and performs one send. On success the message is
// in the cache as Outbound/Pending and a message.sent event is published.
func (d *Dispatcher) Send(ctx context.Context, userID string, req SendRequest) (*SendResult, error) {
	id := contact.Normalize(req.To)
	if !contact.Valid(id) {
		return nil, failure.New(failure.InvalidRecipient, "invalid phone number %q", req.To)
	}
	client, err := d.sessions.ReadyClient(userID)
	if err != nil {
		return nil, err
	}
	if req.Media != nil {
		m := prepareMedia(*req.Media)
		req.Media = &m
	}

	decision, err := Plan(req, d.finder(userID, id))
	if err != nil {
		return nil, err
	}

	handle, err := d.precheck(ctx, client, d.resolveHandle(userID, id, client))
	if err != nil {
		return nil, err
	}

	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	msg, sent, err := d.execute(sendCtx, client, handle, req, decision)
	if err != nil {
		d.logger.Warn("send failed",
			zap.String("user", userID),
			zap.String("to", id),
			zap.Stringer("outcome", decision.Outcome),
			zap.Error(err))
		return nil, classify(err)
	}

	msg.ID = sent.ID
	msg.ChatID = id
	msg.Direction = store.Outbound
	msg.DeliveryStatus = store.StatusPending
	msg.Timestamp = sent.Timestamp.UnixMilli()
	if sent.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UnixMilli()
	}

	if _, err := d.store.AppendMessage(userID, msg); err != nil {
		d.logger.Warn("failed to record sent message", zap.Error(err), zap.String("msg_id", msg.ID))
	}
	unread := 0
	chat, err := d.store.UpsertChat(userID, store.ChatUpdate{
		ContactID:      id,
		ExternalHandle: handle,
		LastMessage:    &store.LastMessage{Body: store.Preview(msg), Time: msg.Timestamp},
		UnreadCount:    &unread,
	})
	if err != nil {
		d.logger.Warn("failed to update chat after send", zap.Error(err), zap.String("chat", id))
	}
	d.bus.Publish(bus.NewEvent(bus.KindMessageSent, userID, msg))

	d.logger.Info("message sent",
		zap.String("user", userID),
		zap.String("to", id),
		zap.String("msg_id", msg.ID),
		zap.Stringer("outcome", decision.Outcome))
	return &SendResult{Outcome: decision.Outcome, Message: msg, Chat: chat}, nil
}

func (d *Dispatcher) finder(userID, chatID string) Finder {
	return func(messageID string, anyChat bool) (store.Message, bool) {
		chat := chatID
		if anyChat {
			chat = ""
		}
		return d.store.FindMessage(userID, chat, messageID, d.cfg.ReplyWindow)
	}
}

// resolveHandle prefers the handle learned from the network over a derived
// one.
func (d *Dispatcher) resolveHandle(userID, contactID string, client wa.Client) string {
	if c, ok := d.store.GetChat(userID, contactID); ok && c.ExternalHandle != "" {
		return c.ExternalHandle
	}
	return client.HandleFor(contactID)
}

// precheck asks the network whether the recipient exists. Only a definite
// "not registered" stops the send; any other failure lets it through.
func (d *Dispatcher) precheck(ctx context.Context, client wa.Client, handle string) (string, error) {
	if d.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.LookupTimeout)
		defer cancel()
	}
	canon, err := client.CheckRecipient(ctx, handle)
	switch {
	case err == nil:
		if canon != "" {
			return canon, nil
		}
		return handle, nil
	case errors.Is(err, wa.ErrUnregistered), errors.Is(err, wa.ErrInvalidHandle):
		return "", failure.Wrap(failure.InvalidRecipient, err, "recipient check")
	default:
		d.logger.Debug("recipient check failed, sending anyway", zap.String("handle", handle), zap.Error(err))
		return handle, nil
	}
}

func (d *Dispatcher) execute(ctx context.Context, client wa.Client, handle string, req SendRequest, dec Decision) (store.Message, wa.SentMessage, error) {
	var opts wa.SendOptions
	switch dec.Outcome {
	case Forward:
		text := dec.Ref.Body
		if text == "" {
			text = store.Preview(*dec.Ref)
		}
		sent, err := client.SendText(ctx, handle, text, wa.SendOptions{Forward: true})
		return store.Message{Body: text, Type: store.TypeText}, sent, err
	case QuotedReply:
		opts.Quote = dec.Ref
	}

	if req.Media != nil {
		sent, err := client.SendMedia(ctx, handle, *req.Media, req.Text, opts)
		return store.Message{
			Body:     req.Text,
			Type:     req.Media.Kind,
			MediaRef: req.Media.FileName,
		}, sent, err
	}
	sent, err := client.SendText(ctx, handle, req.Text, opts)
	return store.Message{Body: req.Text, Type: store.TypeText}, sent, err
}

func classify(err error) error {
	if errors.Is(err, wa.ErrUnregistered) || errors.Is(err, wa.ErrInvalidHandle) {
		return failure.Wrap(failure.InvalidRecipient, err, "send message")
	}
	return failure.Wrap(failure.SendFailure, err, "send message")
}

// prepareMedia fills in the MIME type and the message kind when the caller
// left them out.
func prepareMedia(m wa.Media) wa.Media {
	if m.MIMEType == "" {
		m.MIMEType = mimetype.Detect(m.Data).String()
	}
	if m.Kind == "" {
		m.Kind = mediaKind(m.MIMEType)
	}
	if m.FileName == "" {
		m.FileName = "file"
		if known := mimetype.Lookup(baseMIME(m.MIMEType)); known != nil {
			m.FileName += known.Extension()
		}
	}
	return m
}

func mediaKind(mime string) store.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return store.TypeImage
	case strings.HasPrefix(mime, "video/"):
		return store.TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return store.TypeAudio
	default:
		return store.TypeDocument
	}
}

func baseMIME(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.TrimSpace(base)
}
