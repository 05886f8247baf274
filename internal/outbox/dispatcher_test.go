package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
	"github.com/matheus3301/wabridge/internal/wa/watest"
)

const target = "15551234567"

type fakeSessions struct {
	clients map[string]wa.Client
}

func (f fakeSessions) ReadyClient(userID string) (wa.Client, error) {
	c, ok := f.clients[userID]
	if !ok {
		return nil, failure.New(failure.NotReady, "session %s is not ready", userID)
	}
	return c, nil
}

func newDispatcher(t *testing.T) (*Dispatcher, *store.Store, *watest.Client, *bus.Bus) {
	t.Helper()
	s := store.New(100)
	b := bus.New()
	c := watest.NewClient()
	d := NewDispatcher(fakeSessions{clients: map[string]wa.Client{"42": c}}, s, b,
		Config{LookupTimeout: 50 * time.Millisecond, SendTimeout: time.Second, ReplyWindow: 100}, nil)
	return d, s, c, b
}

func TestSendTextRecordsPendingMessage(t *testing.T) {
	d, s, c, b := newDispatcher(t)
	ch, unsub := b.Subscribe(bus.KindMessageSent, 10)
	defer unsub()

	res, err := d.Send(context.Background(), "42", SendRequest{To: "+1 (555) 123-4567", Text: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != PlainText {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if res.Chat.ContactID != target || res.Chat.LastMessageBody != "Hello" {
		t.Errorf("chat = %+v", res.Chat)
	}

	page := s.ListMessages("42", target, 10, 0)
	if len(page.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(page.Messages))
	}
	m := page.Messages[0]
	if m.Direction != store.Outbound || m.DeliveryStatus != store.StatusPending || m.Body != "Hello" {
		t.Errorf("message = %+v", m)
	}

	sent := c.Sent()
	if len(sent) != 1 || sent[0].Handle != target+"@s.whatsapp.net" || sent[0].Text != "Hello" {
		t.Errorf("sent = %+v", sent)
	}

	select {
	case evt := <-ch:
		if evt.UserID != "42" {
			t.Errorf("event user = %q", evt.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.sent event")
	}
}

func TestSendValidation(t *testing.T) {
	d, _, c, _ := newDispatcher(t)

	tests := []struct {
		name   string
		userID string
		req    SendRequest
		kind   failure.Kind
	}{
		{"short phone", "42", SendRequest{To: "123", Text: "x"}, failure.InvalidRecipient},
		{"letters", "42", SendRequest{To: "call me", Text: "x"}, failure.InvalidRecipient},
		{"no content", "42", SendRequest{To: target}, failure.InvalidRequest},
		{"not ready", "7", SendRequest{To: target, Text: "x"}, failure.NotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Send(context.Background(), tt.userID, tt.req)
			if failure.KindOf(err) != tt.kind {
				t.Errorf("err = %v, want kind %v", err, tt.kind)
			}
		})
	}
	if n := len(c.Sent()); n != 0 {
		t.Errorf("%d sends went out for invalid requests", n)
	}
}

func TestSendUnregisteredRecipient(t *testing.T) {
	d, s, c, _ := newDispatcher(t)
	c.Unregistered[target+"@s.whatsapp.net"] = true

	_, err := d.Send(context.Background(), "42", SendRequest{To: target, Text: "hi"})
	if !failure.Is(err, failure.InvalidRecipient) {
		t.Fatalf("err = %v, want invalid recipient", err)
	}
	if s.HasChat("42", target) {
		t.Error("chat created for failed send")
	}
}

// A recipient check that cannot finish in time does not block the send.
func TestSendSlowPrecheckProceeds(t *testing.T) {
	d, _, c, _ := newDispatcher(t)
	c.CheckDelay = time.Second

	if _, err := d.Send(context.Background(), "42", SendRequest{To: target, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(c.Sent()) != 1 {
		t.Error("message not sent")
	}
}

func TestSendFailureIsClassified(t *testing.T) {
	d, s, c, _ := newDispatcher(t)
	c.SendErr = errors.New("socket closed")

	_, err := d.Send(context.Background(), "42", SendRequest{To: target, Text: "hi"})
	if !failure.Is(err, failure.SendFailure) {
		t.Fatalf("err = %v, want send failure", err)
	}
	if page := s.ListMessages("42", target, 10, 0); len(page.Messages) != 0 {
		t.Error("failed send recorded")
	}
}

func TestSendUsesKnownHandle(t *testing.T) {
	d, s, c, _ := newDispatcher(t)
	if _, err := s.UpsertChat("42", store.ChatUpdate{ContactID: target, ExternalHandle: "999@lid"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Send(context.Background(), "42", SendRequest{To: target, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if got := c.Sent()[0].Handle; got != "999@lid" {
		t.Errorf("handle = %q, want the cached one", got)
	}
}

func TestSendReplyAndForward(t *testing.T) {
	d, s, c, _ := newDispatcher(t)
	ref := store.Message{ID: "orig", ChatID: target, Direction: store.Inbound, Body: "question?", Timestamp: 1, Type: store.TypeText}
	if _, err := s.AppendMessage("42", ref); err != nil {
		t.Fatal(err)
	}

	res, err := d.Send(context.Background(), "42", SendRequest{To: target, Text: "answer", ReplyTo: "orig"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != QuotedReply {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if q := c.Sent()[0].Opts.Quote; q == nil || q.ID != "orig" {
		t.Errorf("quote = %+v", q)
	}

	res, err = d.Send(context.Background(), "42", SendRequest{To: target, Text: "answer", ReplyTo: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != ReplyFallback || c.Sent()[1].Opts.Quote != nil {
		t.Errorf("fallback = %v %+v", res.Outcome, c.Sent()[1].Opts)
	}

	other := "15557654321"
	res, err = d.Send(context.Background(), "42", SendRequest{To: other, ForwardFrom: "orig"})
	if err != nil {
		t.Fatal(err)
	}
	fwd := c.Sent()[2]
	if res.Outcome != Forward || !fwd.Opts.Forward || fwd.Text != "question?" {
		t.Errorf("forward = %v %+v", res.Outcome, fwd)
	}

	_, err = d.Send(context.Background(), "42", SendRequest{To: other, ForwardFrom: "missing"})
	if !failure.Is(err, failure.NotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestSendMediaSniffsMIME(t *testing.T) {
	d, s, c, _ := newDispatcher(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

	res, err := d.Send(context.Background(), "42", SendRequest{To: target, Text: "pic", Media: &wa.Media{Data: png}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != MediaWithCaption {
		t.Errorf("outcome = %v", res.Outcome)
	}
	m := c.Sent()[0].Media
	if m == nil || m.MIMEType != "image/png" || m.Kind != store.TypeImage || m.FileName != "file.png" {
		t.Fatalf("media = %+v", m)
	}
	if c.Sent()[0].Caption != "pic" {
		t.Errorf("caption = %q", c.Sent()[0].Caption)
	}
	chat, _ := s.GetChat("42", target)
	if chat.LastMessageBody != "pic" {
		t.Errorf("preview = %q", chat.LastMessageBody)
	}
}
