package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/contact"
	"github.com/matheus3301/wabridge/internal/store"
)

const (
	// handlerTimeout bounds store lookups made from the whatsmeow event loop.
	handlerTimeout = 5 * time.Second
	mediaTimeout   = 20 * time.Second
)

// Adapter wraps one user's whatsmeow client.
type Adapter struct {
	userID  string
	client  *whatsmeow.Client
	devices DeviceRouter
	bus     *bus.Bus
	logger  *zap.Logger
	history *history

	// download fetches and decrypts an attachment.
	download func(ctx context.Context, part whatsmeow.DownloadableMessage) ([]byte, error)

	mu        sync.Mutex
	events    chan SessionEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newAdapter(userID string, cli *whatsmeow.Client, devices DeviceRouter, b *bus.Bus, logger *zap.Logger) *Adapter {
	return &Adapter{
		userID:   userID,
		client:   cli,
		devices:  devices,
		bus:      b,
		logger:   logger,
		history:  newHistory(),
		download: cli.Download,
		closed:   make(chan struct{}),
	}
}

// Connect starts the connection. For an unpaired device the stream carries
// QR codes until the phone scans one or pairing times out.
func (a *Adapter) Connect(ctx context.Context) (<-chan SessionEvent, error) {
	a.mu.Lock()
	if a.events != nil {
		a.mu.Unlock()
		return nil, errors.New("already connecting")
	}
	a.events = make(chan SessionEvent, 16)
	events := a.events
	a.mu.Unlock()

	// GetQRChannel must be called before Connect.
	if a.client.Store.ID == nil {
		qr, err := a.client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		go a.pumpQR(qr)
	}

	a.logger.Info("connecting to WhatsApp")
	if err := a.client.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return events, nil
}

func (a *Adapter) pumpQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			a.emit(SessionEvent{Kind: EventQRCode, Code: item.Code})
		case "success":
			a.emit(SessionEvent{Kind: EventPaired, Identity: a.Identity()})
			return
		case "timeout":
			a.emit(SessionEvent{Kind: EventPairTimeout})
			return
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", item.Event)
			}
			a.emit(SessionEvent{Kind: EventPairFailed, Err: err})
			return
		}
	}
}

// emit delivers a lifecycle event unless the adapter is closed.
func (a *Adapter) emit(evt SessionEvent) {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- evt:
	case <-a.closed:
	}
}

// Identity returns the paired phone number, or "".
func (a *Adapter) Identity() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// HandleFor derives the user JID of a contact id.
func (a *Adapter) HandleFor(contactID string) string {
	return types.NewJID(contactID, types.DefaultUserServer).String()
}

// CheckRecipient asks the network whether the handle has an account.
func (a *Adapter) CheckRecipient(ctx context.Context, handle string) (string, error) {
	jid, err := parseHandle(handle)
	if err != nil {
		return "", err
	}
	if jid.Server != types.DefaultUserServer {
		return jid.String(), nil
	}
	resp, err := a.client.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return "", fmt.Errorf("check recipient: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return "", ErrUnregistered
	}
	return resp[0].JID.ToNonAD().String(), nil
}

// SendText sends a text message, optionally quoting or marked as forwarded.
func (a *Adapter) SendText(ctx context.Context, handle, text string, opts SendOptions) (SentMessage, error) {
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if ci := a.contextInfo(opts); ci != nil {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: ci,
		}}
	}
	return a.send(ctx, handle, msg)
}

// SendMedia uploads media and sends it with an optional caption.
func (a *Adapter) SendMedia(ctx context.Context, handle string, media Media, caption string, opts SendOptions) (SentMessage, error) {
	if _, err := parseHandle(handle); err != nil {
		return SentMessage{}, err
	}
	up, err := a.client.Upload(ctx, media.Data, uploadType(media.Kind))
	if err != nil {
		return SentMessage{}, fmt.Errorf("upload media: %w", err)
	}
	return a.send(ctx, handle, buildMediaMessage(media, caption, up, a.contextInfo(opts)))
}

func (a *Adapter) send(ctx context.Context, handle string, msg *waE2E.Message) (SentMessage, error) {
	jid, err := parseHandle(handle)
	if err != nil {
		return SentMessage{}, err
	}
	if !a.client.IsConnected() {
		return SentMessage{}, ErrNotConnected
	}
	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return SentMessage{}, fmt.Errorf("send message: %w", err)
	}
	return SentMessage{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

// contextInfo builds the quote or forward marker of an outgoing message.
func (a *Adapter) contextInfo(opts SendOptions) *waE2E.ContextInfo {
	switch {
	case opts.Quote != nil:
		q := opts.Quote
		participant := a.HandleFor(q.ChatID)
		if q.FromMe() && a.client.Store.ID != nil {
			participant = a.client.Store.ID.ToNonAD().String()
		}
		return &waE2E.ContextInfo{
			StanzaID:      proto.String(q.ID),
			Participant:   proto.String(participant),
			QuotedMessage: &waE2E.Message{Conversation: proto.String(store.Preview(*q))},
		}
	case opts.Forward:
		return &waE2E.ContextInfo{
			IsForwarded:     proto.Bool(true),
			ForwardingScore: proto.Uint32(1),
		}
	default:
		return nil
	}
}

// FetchChats lists the chats this device has seen, most recent first.
// Missing names are filled from the device's contact list.
func (a *Adapter) FetchChats(ctx context.Context, limit int) ([]RemoteChat, error) {
	chats := a.history.list(limit)
	for i := range chats {
		if chats[i].Name != "" {
			continue
		}
		jid, err := parseHandle(chats[i].Handle)
		if err != nil {
			continue
		}
		if info, err := a.client.Store.Contacts.GetContact(ctx, jid); err == nil {
			chats[i].Name = contactName(info)
		}
	}
	return chats, nil
}

// FetchMessages returns the newest limit messages known for a chat.
func (a *Adapter) FetchMessages(ctx context.Context, handle string, limit int) ([]store.Message, error) {
	jid, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}
	contactID := contact.Normalize(jid.User)
	msgs := a.history.messages(contactID, limit)
	for i := range msgs {
		if msgs[i].MediaRef != "" {
			continue
		}
		att, ok := a.history.pendingMedia(msgs[i].ID)
		if !ok {
			continue
		}
		if ref, ok := a.fetchMedia(ctx, msgs[i].ID, att); ok {
			msgs[i].MediaRef = ref
			a.history.resolveMedia(contactID, msgs[i].ID, ref)
		}
	}
	return msgs, nil
}

// fetchMedia downloads an attachment into a data URL. Failures only cost
// the inline copy, so they are logged and reported as false.
func (a *Adapter) fetchMedia(ctx context.Context, messageID string, att attachment) (string, bool) {
	data, err := a.download(ctx, att.part)
	if err != nil {
		a.logger.Debug("media download failed", zap.String("id", messageID), zap.Error(err))
		return "", false
	}
	return mediaDataURL(att.mimetype, data), true
}

// LookupContact resolves a contact's display name and avatar.
func (a *Adapter) LookupContact(ctx context.Context, handle string) (ContactInfo, error) {
	jid, err := parseHandle(handle)
	if err != nil {
		return ContactInfo{}, err
	}
	info, err := a.client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return ContactInfo{}, fmt.Errorf("get contact: %w", err)
	}
	out := ContactInfo{Name: contactName(info)}
	pic, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err == nil && pic != nil {
		out.AvatarURL = pic.URL
	}
	return out, nil
}

// MarkRead sends read receipts for inbound messages of a chat.
func (a *Adapter) MarkRead(ctx context.Context, handle string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	jid, err := parseHandle(handle)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return a.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// Logout unlinks the device from the phone and forgets the route to it.
func (a *Adapter) Logout(ctx context.Context) error {
	if a.client.Store.ID == nil {
		return nil
	}
	err := a.client.Logout(ctx)
	if derr := a.devices.DeleteDevice(ctx, a.userID); derr != nil {
		a.logger.Warn("forget device failed", zap.Error(derr))
	}
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close drops the connection. Safe to call more than once.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.client.RemoveEventHandlers()
		a.client.Disconnect()
		a.logger.Info("disconnected from WhatsApp")
	})
}

func parseHandle(handle string) (types.JID, error) {
	jid, err := types.ParseJID(handle)
	if err != nil || jid.User == "" {
		return types.EmptyJID, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return jid.ToNonAD(), nil
}

func contactName(info types.ContactInfo) string {
	switch {
	case info.FullName != "":
		return info.FullName
	case info.FirstName != "":
		return info.FirstName
	case info.PushName != "":
		return info.PushName
	default:
		return info.BusinessName
	}
}

func uploadType(kind store.MessageType) whatsmeow.MediaType {
	switch kind {
	case store.TypeImage:
		return whatsmeow.MediaImage
	case store.TypeVideo:
		return whatsmeow.MediaVideo
	case store.TypeAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(media Media, caption string, up whatsmeow.UploadResponse, ci *waE2E.ContextInfo) *waE2E.Message {
	switch media.Kind {
	case store.TypeImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MIMEType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	case store.TypeVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MIMEType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	case store.TypeAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.MIMEType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Title:         proto.String(media.FileName),
			FileName:      proto.String(media.FileName),
			Mimetype:      proto.String(media.MIMEType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	}
}
