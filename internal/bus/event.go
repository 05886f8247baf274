package bus

import "time"

// Event represents a domain event published on the bus. UserID scopes the
// event to one clinic user; events without a user are process-wide.
type Event struct {
	Kind      string
	UserID    string
	Timestamp time.Time
	Payload   any
}

// Session lifecycle events, one per state machine transition.
const (
	KindInitializing  = "session.initializing"
	KindPairingReady  = "session.pairing_ready"
	KindAuthenticated = "session.authenticated"
	KindSessionReady  = "session.ready"
	KindSessionError  = "session.error"
	KindAuthFailure   = "session.auth_failure"
	KindDisconnected  = "session.disconnected"
)

// Cache-facing message events.
const (
	KindMessageReceived = "message.received"
	KindMessageSent     = "message.sent"
	KindDeliveryStatus  = "message.delivery_status"
)

// Raw network events published by the WhatsApp adapter and consumed by the
// sync engine.
const (
	KindNetworkMessage = "wa.message"
	KindNetworkReceipt = "wa.receipt"
	KindNetworkHistory = "wa.history"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind, userID string, payload any) Event {
	return Event{Kind: kind, UserID: userID, Timestamp: time.Now(), Payload: payload}
}
