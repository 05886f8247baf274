package store

// Direction tells whether a message was received or sent by the user.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// DeliveryStatus is the delivery progress of an outbound message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusPlayed    DeliveryStatus = "played"
	StatusError     DeliveryStatus = "error"
)

// rank orders statuses for the monotonic update rule. Read and Played are
// terminal peers; Error is handled separately.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead, StatusPlayed:
		return 4
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is forward progress. Error
// is always accepted.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	if next == StatusError {
		return s != StatusError
	}
	return next.rank() > s.rank()
}

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeContact  MessageType = "contact"
	TypeLocation MessageType = "location"
	TypeUnknown  MessageType = "unknown"
)

// Chat is a conversation with one contact.
type Chat struct {
	ContactID       string `json:"id"`
	ExternalHandle  string `json:"external_handle,omitempty"`
	DisplayName     string `json:"name"`
	LastMessageBody string `json:"last_message"`
	LastMessageTime int64  `json:"timestamp"`
	UnreadCount     int    `json:"unread_count"`
	AvatarURL       string `json:"avatar_url,omitempty"`
}

// LastMessage is the preview a chat shows in the chat list.
type LastMessage struct {
	Body string
	Time int64
}

// ChatUpdate carries the fields to merge into a chat. Empty strings and nil
// pointers leave the stored value untouched.
type ChatUpdate struct {
	ContactID      string
	ExternalHandle string
	DisplayName    string
	AvatarURL      string
	LastMessage    *LastMessage
	UnreadCount    *int
}

// Message is a single chat message.
type Message struct {
	ID             string         `json:"id"`
	ChatID         string         `json:"chat_id"`
	Direction      Direction      `json:"direction"`
	SenderName     string         `json:"sender_name,omitempty"`
	Body           string         `json:"body"`
	Timestamp      int64          `json:"timestamp"`
	Type           MessageType    `json:"type"`
	MediaRef       string         `json:"media_ref,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
}

// FromMe reports whether the user sent the message.
func (m Message) FromMe() bool {
	return m.Direction == Outbound
}

// DeliveryUpdate reports a changed delivery status.
type DeliveryUpdate struct {
	MessageID string         `json:"message_id"`
	ChatID    string         `json:"chat_id"`
	Status    DeliveryStatus `json:"status"`
}

// ChatPage is one page of the recency-ordered chat list.
type ChatPage struct {
	Chats   []Chat `json:"chats"`
	Total   int    `json:"total"`
	HasMore bool   `json:"has_more"`
}

// MessagePage is a window of a chat's history in ascending time order.
type MessagePage struct {
	Messages        []Message `json:"messages"`
	Total           int       `json:"total"`
	HasMore         bool      `json:"has_more"`
	OldestTimestamp int64     `json:"oldest_timestamp,omitempty"`
}

// Stats summarizes the cache for health reporting.
type Stats struct {
	Users    int `json:"users"`
	Chats    int `json:"chats"`
	Messages int `json:"messages"`
}
