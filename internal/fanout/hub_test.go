package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(Frame))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		c.mu.Lock()
		out := append([]Frame(nil), c.frames...)
		c.mu.Unlock()
		if len(out) >= n {
			return out
		}
		select {
		case <-deadline:
			t.Fatalf("got %d frames, want %d", len(out), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	h := NewHub(bus.New(), nil)
	defer h.Stop()

	first, second := &fakeConn{}, &fakeConn{}
	h.Subscribe("42", first)
	h.Subscribe("42", second)

	if !first.isClosed() {
		t.Error("previous subscriber not closed")
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers = %d", h.Subscribers())
	}

	// A stale unsubscribe must not remove the new conn.
	h.Unsubscribe("42", first)
	if h.Subscribers() != 1 {
		t.Error("stale unsubscribe removed the live subscriber")
	}
	h.Unsubscribe("42", second)
	if h.Subscribers() != 0 || !second.isClosed() {
		t.Error("unsubscribe did not remove and close the conn")
	}
}

func TestPublishRoutesByUser(t *testing.T) {
	h := NewHub(bus.New(), nil)
	defer h.Stop()

	a, b := &fakeConn{}, &fakeConn{}
	h.Subscribe("a", a, Frame{Event: EventStatus, UserID: "a"})
	h.Subscribe("b", b)

	h.Publish("a", EventMessage, "hi a")
	h.Publish("a", EventMessage, "hi again")
	h.Publish("nobody", EventMessage, "dropped")

	frames := a.waitFrames(t, 3)
	if frames[0].Event != EventStatus || frames[1].Event != EventMessage {
		t.Errorf("frames = %+v", frames)
	}
	if frames[1].ID == "" || frames[1].ID == frames[2].ID {
		t.Errorf("frame ids = %q, %q; want distinct", frames[1].ID, frames[2].ID)
	}
	time.Sleep(20 * time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) != 0 {
		t.Errorf("user b got %d frames", len(b.frames))
	}
}

func TestStartForwardsBusEvents(t *testing.T) {
	b := bus.New()
	h := NewHub(b, nil)
	h.Start(context.Background())
	defer h.Stop()

	c := &fakeConn{}
	h.Subscribe("42", c)

	m := status.NewMachine("42", b)
	_ = m.Transition(status.Initializing)
	_ = m.Transition(status.PairingReady, status.WithPairingPayload("data:image/png;base64,QR"))
	b.Publish(bus.NewEvent(bus.KindMessageReceived, "42", store.Message{ID: "m1"}))
	b.Publish(bus.NewEvent(bus.KindDeliveryStatus, "42", store.DeliveryUpdate{MessageID: "m1", Status: store.StatusRead}))
	b.Publish(bus.NewEvent(bus.KindMessageReceived, "other", store.Message{ID: "m2"}))

	frames := c.waitFrames(t, 3)
	want := []string{EventQR, EventMessage, EventMessageAck}
	for i, name := range want {
		if frames[i].Event != name {
			t.Errorf("frame %d = %q, want %q", i, frames[i].Event, name)
		}
		if frames[i].UserID != "42" {
			t.Errorf("frame %d user = %q", i, frames[i].UserID)
		}
	}
}

func TestStartKeepsSessionAndMessageOrder(t *testing.T) {
	b := bus.New()
	h := NewHub(b, nil)
	h.Start(context.Background())
	defer h.Stop()

	c := &fakeConn{}
	h.Subscribe("42", c)

	qr := status.StatusChange{To: status.PairingReady, Snapshot: status.Snapshot{State: status.PairingReady, PairingPayload: "x"}}
	const rounds = 25
	for i := range rounds {
		b.Publish(bus.NewEvent(bus.KindPairingReady, "42", qr))
		b.Publish(bus.NewEvent(bus.KindMessageReceived, "42", store.Message{ID: fmt.Sprintf("m%d", i)}))
	}

	frames := c.waitFrames(t, 2*rounds)
	for i, f := range frames {
		want := EventQR
		if i%2 == 1 {
			want = EventMessage
		}
		if f.Event != want {
			t.Fatalf("frame %d = %q, want %q", i, f.Event, want)
		}
	}
}

func TestTranslateConnectionLossAsDisconnected(t *testing.T) {
	snap := status.Snapshot{State: status.Error, ErrorKind: failure.TransportDisconnected, LastError: "connection lost"}
	name, data, ok := Translate(bus.NewEvent(bus.KindSessionError, "42", status.StatusChange{To: status.Error, Snapshot: snap}))
	if !ok || name != EventDisconnected {
		t.Fatalf("Translate = %q %v, want %q", name, ok, EventDisconnected)
	}
	if reason := data.(map[string]any)["reason"]; reason != "connection lost" {
		t.Errorf("reason = %v, want connection lost", reason)
	}
}

func TestTranslate(t *testing.T) {
	change := func(to status.State, snap status.Snapshot) any {
		snap.State = to
		return status.StatusChange{To: to, Snapshot: snap}
	}
	tests := []struct {
		kind    string
		payload any
		want    string
	}{
		{bus.KindPairingReady, change(status.PairingReady, status.Snapshot{PairingPayload: "x"}), EventQR},
		{bus.KindSessionReady, change(status.Ready, status.Snapshot{Identity: "1555"}), EventReady},
		{bus.KindAuthenticated, "1555", EventAuthenticated},
		{bus.KindDisconnected, change(status.Disconnected, status.Snapshot{}), EventDisconnected},
		{bus.KindAuthFailure, change(status.Error, status.Snapshot{ErrorKind: failure.AuthenticationFailure}), EventAuthFailure},
		{bus.KindSessionError, change(status.Error, status.Snapshot{ErrorKind: failure.PairingTimeout}), EventError},
		{bus.KindSessionError, change(status.Error, status.Snapshot{ErrorKind: failure.TransportDisconnected}), EventDisconnected},
		{bus.KindMessageReceived, store.Message{}, EventMessage},
		{bus.KindMessageSent, store.Message{}, EventMessageSent},
		{bus.KindDeliveryStatus, store.DeliveryUpdate{}, EventMessageAck},
		{bus.KindInitializing, change(status.Initializing, status.Snapshot{}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			name, _, ok := Translate(bus.NewEvent(tt.kind, "42", tt.payload))
			if name != tt.want || ok != (tt.want != "") {
				t.Errorf("Translate = %q %v, want %q", name, ok, tt.want)
			}
		})
	}
}

func TestServeOverWebsocket(t *testing.T) {
	h := NewHub(bus.New(), nil)
	defer h.Stop()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(r.Context(), "42", ws, Frame{Event: EventStatus, UserID: "42", Data: map[string]string{"status": "ready"}})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	var f Frame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Event != EventStatus {
		t.Errorf("first frame = %q, want status", f.Event)
	}

	h.Publish("42", EventMessage, map[string]string{"body": "hello"})
	var raw json.RawMessage
	if err := ws.ReadJSON(&raw); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"event":"message"`) {
		t.Errorf("frame = %s", raw)
	}

	ws.Close()
	deadline := time.After(2 * time.Second)
	for h.Subscribers() != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber not removed after close")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
