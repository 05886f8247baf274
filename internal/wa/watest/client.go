// Package watest provides an in-memory wa.Network for tests.
package watest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// Sent records one send made through a fake client.
type Sent struct {
	Handle  string
	Text    string
	Caption string
	Media   *wa.Media
	Opts    wa.SendOptions
}

// Client is a scriptable wa.Client. Tests drive the lifecycle by calling
// Emit; everything else answers from the exported fields.
type Client struct {
	mu sync.Mutex

	ConnectErr   error
	Chats        []wa.RemoteChat
	Messages     map[string][]store.Message // by handle
	Contacts     map[string]wa.ContactInfo  // by handle
	Unregistered map[string]bool            // by handle
	FailFetch    map[string]bool            // FetchMessages errors for these handles
	PanicFetch   map[string]bool            // FetchMessages panics for these handles
	FetchChatErr error
	SendErr      error
	LookupDelay  time.Duration
	CheckDelay   time.Duration

	identity  string
	events    chan wa.SessionEvent
	closed    chan struct{}
	closeOnce sync.Once
	nextID    int

	sent      []Sent
	read      map[string][]string
	loggedOut bool
	fetched   []string
}

// NewClient returns an unconnected fake client.
func NewClient() *Client {
	return &Client{
		Messages:     make(map[string][]store.Message),
		Contacts:     make(map[string]wa.ContactInfo),
		Unregistered: make(map[string]bool),
		FailFetch:    make(map[string]bool),
		PanicFetch:   make(map[string]bool),
		read:         make(map[string][]string),
		closed:       make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) (<-chan wa.SessionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	c.events = make(chan wa.SessionEvent, 16)
	return c.events, nil
}

// Emit pushes a lifecycle event to the connected consumer. It reports
// false if the client is closed or was never connected.
func (c *Client) Emit(evt wa.SessionEvent) bool {
	c.mu.Lock()
	events := c.events
	if evt.Identity != "" {
		c.identity = evt.Identity
	}
	c.mu.Unlock()
	if events == nil {
		return false
	}
	select {
	case events <- evt:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) HandleFor(contactID string) string {
	return contactID + "@s.whatsapp.net"
}

func (c *Client) CheckRecipient(ctx context.Context, handle string) (string, error) {
	if c.CheckDelay > 0 {
		select {
		case <-time.After(c.CheckDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unregistered[handle] {
		return "", wa.ErrUnregistered
	}
	return handle, nil
}

func (c *Client) SendText(ctx context.Context, handle, text string, opts wa.SendOptions) (wa.SentMessage, error) {
	return c.record(Sent{Handle: handle, Text: text, Opts: opts})
}

func (c *Client) SendMedia(ctx context.Context, handle string, media wa.Media, caption string, opts wa.SendOptions) (wa.SentMessage, error) {
	return c.record(Sent{Handle: handle, Caption: caption, Media: &media, Opts: opts})
}

func (c *Client) record(s Sent) (wa.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return wa.SentMessage{}, c.SendErr
	}
	c.nextID++
	c.sent = append(c.sent, s)
	return wa.SentMessage{ID: fmt.Sprintf("SENT%d", c.nextID), Timestamp: time.Now()}, nil
}

func (c *Client) FetchChats(ctx context.Context, limit int) ([]wa.RemoteChat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FetchChatErr != nil {
		return nil, c.FetchChatErr
	}
	chats := c.Chats
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return append([]wa.RemoteChat(nil), chats...), nil
}

func (c *Client) FetchMessages(ctx context.Context, handle string, limit int) ([]store.Message, error) {
	c.mu.Lock()
	c.fetched = append(c.fetched, handle)
	panics, fails := c.PanicFetch[handle], c.FailFetch[handle]
	msgs := append([]store.Message(nil), c.Messages[handle]...)
	c.mu.Unlock()

	if panics {
		panic("fetch exploded for " + handle)
	}
	if fails {
		return nil, errors.New("fetch failed")
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (c *Client) LookupContact(ctx context.Context, handle string) (wa.ContactInfo, error) {
	if c.LookupDelay > 0 {
		select {
		case <-time.After(c.LookupDelay):
		case <-ctx.Done():
			return wa.ContactInfo{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.Contacts[handle]
	if !ok {
		return wa.ContactInfo{Name: strings.TrimSuffix(handle, "@s.whatsapp.net")}, nil
	}
	return info, nil
}

func (c *Client) MarkRead(ctx context.Context, handle string, messageIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read[handle] = append(c.read[handle], messageIDs...)
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Sent returns the sends made so far.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Read returns the message ids marked read for a handle.
func (c *Client) Read(handle string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.read[handle]...)
}

// Fetched returns the handles FetchMessages was called with.
func (c *Client) Fetched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fetched...)
}

// LoggedOut reports whether Logout was called.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// IsClosed reports whether Close was called.
func (c *Client) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Network hands out fake clients per user.
type Network struct {
	mu      sync.Mutex
	clients map[string][]*Client
	OpenErr error
	// Prepare, when set, configures each new client before it is returned.
	Prepare func(userID string, c *Client)
}

// NewNetwork returns an empty fake network.
func NewNetwork() *Network {
	return &Network{clients: make(map[string][]*Client)}
}

func (n *Network) Open(ctx context.Context, userID string) (wa.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.OpenErr != nil {
		return nil, n.OpenErr
	}
	c := NewClient()
	if n.Prepare != nil {
		n.Prepare(userID, c)
	}
	n.clients[userID] = append(n.clients[userID], c)
	return c, nil
}

// Last returns the most recently opened client for a user.
func (n *Network) Last(userID string) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs := n.clients[userID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Opened returns how many clients were opened for a user.
func (n *Network) Opened(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients[userID])
}
