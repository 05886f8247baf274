// Package wa is the bridge's view of the messaging network. The rest of the
// bridge only talks to the Network and Client interfaces; the whatsmeow
// implementation lives in this package too.
package wa

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/wabridge/internal/store"
)

var (
	// ErrUnregistered means the recipient has no account on the network.
	ErrUnregistered = errors.New("recipient is not registered on WhatsApp")
	// ErrInvalidHandle means the address cannot be parsed by the network.
	ErrInvalidHandle = errors.New("invalid recipient address")
	// ErrNotConnected means the client has no live connection.
	ErrNotConnected = errors.New("client is not connected")
)

// SessionEventKind enumerates connection lifecycle events.
type SessionEventKind int

const (
	EventQRCode SessionEventKind = iota + 1
	EventPaired
	EventConnected
	EventDisconnected
	EventLoggedOut
	EventPairFailed
	EventPairTimeout
)

func (k SessionEventKind) String() string {
	switch k {
	case EventQRCode:
		return "qr_code"
	case EventPaired:
		return "paired"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventLoggedOut:
		return "logged_out"
	case EventPairFailed:
		return "pair_failed"
	case EventPairTimeout:
		return "pair_timeout"
	default:
		return "unknown"
	}
}

// SessionEvent is one step of a client's connection lifecycle.
type SessionEvent struct {
	Kind     SessionEventKind
	Code     string // EventQRCode: raw pairing code to render
	Identity string // EventPaired, EventConnected: account phone number
	Err      error  // EventPairFailed, EventDisconnected: reason, if known
}

// RemoteChat is a chat as reported by the network.
type RemoteChat struct {
	Handle      string
	ContactID   string
	Name        string
	UnreadCount int
	IsGroup     bool
	LastMessage *store.Message
}

// ContactInfo is what the network knows about a contact.
type ContactInfo struct {
	Name      string
	AvatarURL string
}

// Media is an attachment to upload and send.
type Media struct {
	Data     []byte
	MIMEType string
	FileName string
	Kind     store.MessageType
}

// SendOptions attach a reply reference or a forward marker to a send.
type SendOptions struct {
	Quote   *store.Message
	Forward bool
}

// SentMessage is the network's acknowledgement of a send.
type SentMessage struct {
	ID        string
	Timestamp time.Time
}

// Network opens per-user clients.
type Network interface {
	Open(ctx context.Context, userID string) (Client, error)
}

// Client is one user's connection to the network.
type Client interface {
	// Connect starts connecting and returns the lifecycle event stream. No
	// events are delivered after Close.
	Connect(ctx context.Context) (<-chan SessionEvent, error)
	Identity() string
	HandleFor(contactID string) string
	// CheckRecipient returns the canonical handle for a recipient, or
	// ErrUnregistered.
	CheckRecipient(ctx context.Context, handle string) (string, error)
	SendText(ctx context.Context, handle, text string, opts SendOptions) (SentMessage, error)
	SendMedia(ctx context.Context, handle string, media Media, caption string, opts SendOptions) (SentMessage, error)
	FetchChats(ctx context.Context, limit int) ([]RemoteChat, error)
	FetchMessages(ctx context.Context, handle string, limit int) ([]store.Message, error)
	LookupContact(ctx context.Context, handle string) (ContactInfo, error)
	// MarkRead sends read receipts for inbound messages of a chat.
	MarkRead(ctx context.Context, handle string, messageIDs []string) error
	Logout(ctx context.Context) error
	Close()
}

// MessageEvent is the payload of a wa.message bus event.
type MessageEvent struct {
	Handle  string
	Message store.Message
}

// ReceiptEvent is the payload of a wa.receipt bus event.
type ReceiptEvent struct {
	ChatID     string
	MessageIDs []string
	Status     store.DeliveryStatus
}

// HistoryEvent is the payload of a wa.history bus event.
type HistoryEvent struct {
	Chats    []RemoteChat
	Messages []store.Message
}
