package wa

import (
	"encoding/base64"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/matheus3301/wabridge/internal/contact"
	"github.com/matheus3301/wabridge/internal/store"
)

// isContactChat reports whether jid is a one-to-one chat with a
// phone-number contact. Groups, broadcasts and unresolved linked ids are not.
func isContactChat(jid types.JID) bool {
	return jid.Server == types.DefaultUserServer && contact.Valid(jid.User)
}

// ParseLiveMessage normalizes a live whatsmeow message event. chat is the
// already resolved chat JID. It reports false for messages that do not
// belong in a contact chat or carry no user-visible content.
func ParseLiveMessage(evt *events.Message, chat types.JID) (store.Message, bool) {
	if !isContactChat(chat) || isControl(evt.Message) {
		return store.Message{}, false
	}
	m := store.Message{
		ID:         evt.Info.ID,
		ChatID:     chat.User,
		SenderName: evt.Info.PushName,
		Body:       extractTextBody(evt.Message),
		Type:       detectMessageType(evt.Message),
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
		Direction:  store.Inbound,
	}
	if evt.Info.IsFromMe {
		m.Direction = store.Outbound
		m.DeliveryStatus = store.StatusSent
		m.SenderName = ""
	}
	return m, true
}

// ParseHistoryMessage normalizes a message from a history sync blob.
func ParseHistoryMessage(wmi *waWeb.WebMessageInfo, chat types.JID) (store.Message, bool) {
	msg := wmi.GetMessage()
	if msg == nil || !isContactChat(chat) || isControl(msg) {
		return store.Message{}, false
	}
	key := wmi.GetKey()
	m := store.Message{
		ID:         key.GetID(),
		ChatID:     chat.User,
		SenderName: wmi.GetPushName(),
		Body:       extractTextBody(msg),
		Type:       detectMessageType(msg),
		Timestamp:  int64(wmi.GetMessageTimestamp()) * 1000,
		Direction:  store.Inbound,
	}
	if key.GetFromMe() {
		m.Direction = store.Outbound
		m.DeliveryStatus = historyStatus(wmi.GetStatus())
		m.SenderName = ""
	}
	return m, m.ID != ""
}

func historyStatus(s waWeb.WebMessageInfo_Status) store.DeliveryStatus {
	switch s {
	case waWeb.WebMessageInfo_ERROR:
		return store.StatusError
	case waWeb.WebMessageInfo_PENDING:
		return store.StatusPending
	case waWeb.WebMessageInfo_DELIVERY_ACK:
		return store.StatusDelivered
	case waWeb.WebMessageInfo_READ:
		return store.StatusRead
	case waWeb.WebMessageInfo_PLAYED:
		return store.StatusPlayed
	default:
		return store.StatusSent
	}
}

// isControl reports protocol traffic that never shows up as a chat bubble.
func isControl(msg *waE2E.Message) bool {
	if msg == nil {
		return true
	}
	return msg.GetProtocolMessage() != nil ||
		msg.GetReactionMessage() != nil ||
		msg.GetPollUpdateMessage() != nil ||
		(msg.GetSenderKeyDistributionMessage() != nil && detectMessageType(msg) == store.TypeUnknown)
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) store.MessageType {
	if msg == nil {
		return store.TypeUnknown
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return store.TypeText
	case msg.GetImageMessage() != nil:
		return store.TypeImage
	case msg.GetVideoMessage() != nil:
		return store.TypeVideo
	case msg.GetAudioMessage() != nil:
		return store.TypeAudio
	case msg.GetDocumentMessage() != nil:
		return store.TypeDocument
	case msg.GetStickerMessage() != nil:
		return store.TypeSticker
	case msg.GetContactMessage() != nil:
		return store.TypeContact
	case msg.GetLocationMessage() != nil:
		return store.TypeLocation
	default:
		return store.TypeUnknown
	}
}

// maxInlineMedia bounds attachments downloaded into a data URL.
const maxInlineMedia = 16 << 20

// attachment is a downloadable media part of a message.
type attachment struct {
	part     whatsmeow.DownloadableMessage
	mimetype string
}

// mediaAttachment returns the media part of msg, if it has one small
// enough to inline.
func mediaAttachment(msg *waE2E.Message) (attachment, bool) {
	var part interface {
		whatsmeow.DownloadableMessage
		GetMimetype() string
		GetFileLength() uint64
	}
	switch {
	case msg.GetImageMessage() != nil:
		part = msg.GetImageMessage()
	case msg.GetVideoMessage() != nil:
		part = msg.GetVideoMessage()
	case msg.GetAudioMessage() != nil:
		part = msg.GetAudioMessage()
	case msg.GetDocumentMessage() != nil:
		part = msg.GetDocumentMessage()
	case msg.GetStickerMessage() != nil:
		part = msg.GetStickerMessage()
	default:
		return attachment{}, false
	}
	if part.GetDirectPath() == "" || part.GetFileLength() > maxInlineMedia {
		return attachment{}, false
	}
	mimetype := part.GetMimetype()
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	return attachment{part: part, mimetype: mimetype}, true
}

// mediaDataURL renders downloaded media the way clients display it inline.
func mediaDataURL(mimetype string, data []byte) string {
	return "data:" + mimetype + ";base64," + base64.StdEncoding.EncodeToString(data)
}
