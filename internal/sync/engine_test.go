package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

const (
	alice = "5511999990001"
	bob   = "5511999990002"
)

func inbound(id, chat string, ts int64, body string) store.Message {
	return store.Message{ID: id, ChatID: chat, Direction: store.Inbound, Body: body, Timestamp: ts, Type: store.TypeText}
}

func outbound(id, chat string, ts int64, body string) store.Message {
	return store.Message{ID: id, ChatID: chat, Direction: store.Outbound, Body: body, Timestamp: ts, Type: store.TypeText}
}

func TestEngineIngestMessage(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	msg := inbound("m1", alice, 1000, "hello")
	msg.SenderName = "Alice"
	if err := e.IngestMessage("u1", wa.MessageEvent{Handle: alice + "@s.whatsapp.net", Message: msg}); err != nil {
		t.Fatal(err)
	}

	chat, ok := s.GetChat("u1", alice)
	if !ok {
		t.Fatal("chat not created")
	}
	if chat.ExternalHandle != alice+"@s.whatsapp.net" {
		t.Errorf("handle = %q", chat.ExternalHandle)
	}
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", chat.UnreadCount)
	}

	page := s.ListMessages("u1", alice, 10, 0)
	if len(page.Messages) != 1 || page.Messages[0].Body != "hello" {
		t.Errorf("got %d messages, want 1 with body=hello", len(page.Messages))
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageReceived {
			t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindMessageReceived)
		}
		if evt.UserID != "u1" {
			t.Errorf("event user = %q, want u1", evt.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.received event")
	}
}

func TestEngineIngestMessageIdempotent(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	evt := wa.MessageEvent{Message: inbound("m1", alice, 1000, "v1")}
	if err := e.IngestMessage("u1", evt); err != nil {
		t.Fatal(err)
	}
	evt.Message.Body = "v2"
	if err := e.IngestMessage("u1", evt); err != nil {
		t.Fatal(err)
	}

	page := s.ListMessages("u1", alice, 10, 0)
	if len(page.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(page.Messages))
	}
	if page.Messages[0].Body != "v1" {
		t.Errorf("body = %q, want v1 (first write wins)", page.Messages[0].Body)
	}

	<-ch
	select {
	case evt := <-ch:
		t.Fatalf("duplicate produced event %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineOutboundEchoIsSent(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	msg := outbound("m1", alice, 1000, "from my phone")
	msg.DeliveryStatus = store.StatusSent
	if err := e.IngestMessage("u1", wa.MessageEvent{Message: msg}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageSent {
			t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindMessageSent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.sent event")
	}

	chat, _ := s.GetChat("u1", alice)
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own message", chat.UnreadCount)
	}
}

func TestEngineApplyReceipt(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)

	if _, err := s.AppendMessage("u1", outbound("m1", alice, 1000, "hi")); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.KindDeliveryStatus, 10)
	defer unsub()

	e.ApplyReceipt("u1", wa.ReceiptEvent{ChatID: alice, MessageIDs: []string{"m1"}, Status: store.StatusRead})
	// Late delivered receipt must not move the status back.
	e.ApplyReceipt("u1", wa.ReceiptEvent{ChatID: alice, MessageIDs: []string{"m1"}, Status: store.StatusDelivered})

	select {
	case evt := <-ch:
		u, ok := evt.Payload.(store.DeliveryUpdate)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if u.MessageID != "m1" || u.Status != store.StatusRead {
			t.Errorf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery event")
	}
	select {
	case evt := <-ch:
		t.Fatalf("stale receipt produced event %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	m, ok := s.FindMessage("u1", alice, "m1", 0)
	if !ok || m.DeliveryStatus != store.StatusRead {
		t.Errorf("status = %q, want read", m.DeliveryStatus)
	}
}

func TestEngineIngestHistory(t *testing.T) {
	s := store.New(100)
	e := NewEngine(s, bus.New(), nil)

	h := wa.HistoryEvent{
		Chats: []wa.RemoteChat{
			{ContactID: alice, Handle: alice + "@s.whatsapp.net", Name: "Alice", UnreadCount: 0},
			{ContactID: "not-a-number", Name: "Bogus"},
		},
		Messages: []store.Message{
			inbound("m1", alice, 1000, "one"),
			inbound("m2", alice, 2000, "two"),
			{ChatID: alice, Body: "missing id"},
			inbound("m3", bob, 3000, "three"),
		},
	}
	if got := e.IngestHistory("u1", h); got != 3 {
		t.Errorf("added = %d, want 3", got)
	}
	// Replaying the same batch adds nothing.
	if got := e.IngestHistory("u1", h); got != 0 {
		t.Errorf("replay added = %d, want 0", got)
	}

	chat, ok := s.GetChat("u1", alice)
	if !ok {
		t.Fatal("alice chat missing")
	}
	if chat.DisplayName != "Alice" || chat.UnreadCount != 0 {
		t.Errorf("chat = %+v", chat)
	}
	if page := s.ListChats("u1", 10, 0); page.Total != 2 {
		t.Errorf("chats total = %d, want 2", page.Total)
	}
}

// TestEngineFollow checks that events published by the network adapter
// reach the cache, and only for the followed user.
func TestEngineFollow(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := e.Follow(ctx, "u1")
	defer func() {
		cancel()
		<-done
	}()

	ch, unsub := b.Subscribe(bus.KindMessageReceived, 10)
	defer unsub()

	b.Publish(bus.NewEvent(bus.KindNetworkMessage, "u1", wa.MessageEvent{
		Message: inbound("bm1", alice, 5000, "from bus"),
	}))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("engine did not process wa.message")
	}
	if page := s.ListMessages("u1", alice, 10, 0); len(page.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(page.Messages))
	}

	b.Publish(bus.NewEvent(bus.KindNetworkMessage, "u2", wa.MessageEvent{
		Message: inbound("bm2", alice, 6000, "not followed"),
	}))
	time.Sleep(20 * time.Millisecond)
	if s.HasChat("u2", alice) {
		t.Error("engine ingested an unfollowed user's event")
	}
}

// A burst larger than the old shared buffer is applied in full.
func TestEngineFollowBurst(t *testing.T) {
	s := store.New(5000)
	b := bus.New()
	e := NewEngine(s, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := e.Follow(ctx, "u1")
	defer func() {
		cancel()
		<-done
	}()

	const n = 1000
	for i := range n {
		b.Publish(bus.NewEvent(bus.KindNetworkMessage, "u1", wa.MessageEvent{
			Message: inbound(fmt.Sprintf("burst%d", i), alice, int64(1000+i), "x"),
		}))
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ListMessages("u1", alice, 1, 0).Total == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ingested %d of %d messages", s.ListMessages("u1", alice, 1, 0).Total, n)
}

func TestEngineFollowStopsOnCancel(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := e.Follow(ctx, "u1")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow loop did not exit")
	}

	b.Publish(bus.NewEvent(bus.KindNetworkMessage, "u1", wa.MessageEvent{
		Message: inbound("late", alice, 1, "late"),
	}))
	time.Sleep(20 * time.Millisecond)
	if s.HasChat("u1", alice) {
		t.Error("event applied after the loop stopped")
	}
}

func TestEngineSurvivesBadPayload(t *testing.T) {
	s := store.New(100)
	b := bus.New()
	e := NewEngine(s, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := e.Follow(ctx, "u1")
	defer func() {
		cancel()
		<-done
	}()

	ch, unsub := b.Subscribe(bus.KindMessageReceived, 10)
	defer unsub()

	b.Publish(bus.NewEvent(bus.KindNetworkMessage, "u1", "garbage"))
	b.Publish(bus.NewEvent(bus.KindNetworkMessage, "u1", wa.MessageEvent{Message: inbound("m1", alice, 1, "ok")}))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("engine stopped after bad payload")
	}
}
