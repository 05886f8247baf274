package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/fanout"
	"github.com/matheus3301/wabridge/internal/outbox"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
	"github.com/matheus3301/wabridge/internal/wa/watest"
)

const phone = "15551234567"

type fakeSessions struct {
	mu     sync.Mutex
	snaps  map[string]status.Snapshot
	client *watest.Client
}

func (f *fakeSessions) Initialize(_ context.Context, userID string) (status.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[userID]
	if !ok {
		s = status.Snapshot{UserID: userID, State: status.PairingReady, PairingPayload: "data:image/png;base64,QR"}
		f.snaps[userID] = s
	}
	return s, nil
}

func (f *fakeSessions) GetStatus(userID string) status.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snaps[userID]; ok {
		return s
	}
	return status.Snapshot{UserID: userID, State: status.Disconnected}
}

func (f *fakeSessions) Disconnect(_ context.Context, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.snaps[userID]
	delete(f.snaps, userID)
	return ok
}

func (f *fakeSessions) Sessions() []status.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []status.Snapshot
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) ReadyClient(userID string) (wa.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snaps[userID]; ok && s.State == status.Ready {
		return f.client, nil
	}
	return nil, failure.New(failure.NotReady, "not ready")
}

type fakeRefresher struct {
	mu       sync.Mutex
	triggers []string
	chats    []string
}

func (f *fakeRefresher) Trigger(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, userID)
}

func (f *fakeRefresher) RefreshChat(userID, contactID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, contactID)
}

type testEnv struct {
	srv       *httptest.Server
	sessions  *fakeSessions
	store     *store.Store
	client    *watest.Client
	refresher *fakeRefresher
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     store.New(100),
		client:    watest.NewClient(),
		refresher: &fakeRefresher{},
	}
	env.sessions = &fakeSessions{
		snaps:  map[string]status.Snapshot{"ready": {UserID: "ready", State: status.Ready, Identity: "5511999990000"}},
		client: env.client,
	}
	b := bus.New()
	d := outbox.NewDispatcher(env.sessions, env.store, b, outbox.Config{ReplyWindow: 100}, nil)
	hub := fanout.NewHub(b, nil)
	t.Cleanup(hub.Stop)
	h := NewHandler(env.sessions, d, env.store, env.refresher, hub, nil)
	env.srv = httptest.NewServer(h.Routes(nil))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestInitializeAndStatus(t *testing.T) {
	env := newEnv(t)

	var st statusResponse
	if code := env.do(t, "GET", "/api/status/42", "", &st); code != 200 || st.Status != "disconnected" {
		t.Fatalf("status = %d %+v", code, st)
	}
	if code := env.do(t, "POST", "/api/initialize/42", "", &st); code != 200 {
		t.Fatalf("initialize = %d", code)
	}
	if st.Status != "qr_ready" || !strings.HasPrefix(st.QRCode, "data:image/png") {
		t.Errorf("initialize = %+v", st)
	}
	if code := env.do(t, "GET", "/api/status/ready", "", &st); code != 200 || st.Status != "ready" || st.PhoneNumber != "5511999990000" {
		t.Errorf("ready status = %+v", st)
	}
}

func TestBadUserID(t *testing.T) {
	env := newEnv(t)
	var e errorResponse
	if code := env.do(t, "POST", "/api/initialize/bad.user", "", &e); code != http.StatusBadRequest {
		t.Errorf("code = %d", code)
	}
	if e.Success || e.Code != "invalid_request" {
		t.Errorf("error = %+v", e)
	}
}

// A sent message is listed as Outbound/Pending.
func TestSendThenListMessages(t *testing.T) {
	env := newEnv(t)

	var sent sendResponse
	code := env.do(t, "POST", "/api/send/ready", `{"phone":"+1 555 123 4567","message":"Hello"}`, &sent)
	if code != 200 || !sent.Success {
		t.Fatalf("send = %d %+v", code, sent)
	}
	if sent.PhoneNumber != phone || sent.Sent.Body != "Hello" || sent.Outcome != "plain_text" {
		t.Errorf("send response = %+v", sent)
	}

	var page store.MessagePage
	if code := env.do(t, "GET", "/api/messages/ready/"+phone+"?limit=10", "", &page); code != 200 {
		t.Fatalf("messages = %d", code)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(page.Messages))
	}
	m := page.Messages[0]
	if m.Direction != store.Outbound || m.DeliveryStatus != store.StatusPending {
		t.Errorf("message = %+v", m)
	}

	var chats store.ChatPage
	if code := env.do(t, "GET", "/api/chats/ready", "", &chats); code != 200 || chats.Total != 1 {
		t.Errorf("chats = %d %+v", code, chats)
	}
	env.refresher.mu.Lock()
	defer env.refresher.mu.Unlock()
	if len(env.refresher.triggers) != 1 {
		t.Errorf("refresh triggers = %v", env.refresher.triggers)
	}
}

func TestSendErrors(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name string
		user string
		body string
		code int
		kind string
	}{
		{"bad json", "ready", `{`, 400, "invalid_request"},
		{"missing phone", "ready", `{"message":"x"}`, 400, "invalid_request"},
		{"bad phone", "ready", `{"phone":"12","message":"x"}`, 400, "invalid_recipient"},
		{"no content", "ready", `{"phone":"15551234567"}`, 400, "invalid_request"},
		{"not ready", "42", `{"phone":"15551234567","message":"x"}`, 409, "not_ready"},
		{"bad media", "ready", `{"phone":"15551234567","media":{"data":"***"}}`, 400, "invalid_request"},
		{"forward missing", "ready", `{"phone":"15551234567","forward_from_id":"nope"}`, 404, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorResponse
			if code := env.do(t, "POST", "/api/send/"+tt.user, tt.body, &e); code != tt.code {
				t.Errorf("code = %d, want %d (%+v)", code, tt.code, e)
			}
			if e.Success || e.Code != tt.kind {
				t.Errorf("error = %+v, want code %s", e, tt.kind)
			}
		})
	}
}

func TestSendNetworkFailureIs502(t *testing.T) {
	env := newEnv(t)
	env.client.SendErr = context.DeadlineExceeded

	var e errorResponse
	if code := env.do(t, "POST", "/api/send/ready", `{"phone":"15551234567","message":"x"}`, &e); code != http.StatusBadGateway {
		t.Errorf("code = %d", code)
	}
}

func TestSendMedia(t *testing.T) {
	env := newEnv(t)
	data := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"))
	body := `{"phone":"15551234567","message":"invoice","media":{"data":"` + data + `","filename":"invoice.pdf"}}`

	var sent sendResponse
	if code := env.do(t, "POST", "/api/send/ready", body, &sent); code != 200 {
		t.Fatalf("code = %d", code)
	}
	media := env.client.Sent()[0].Media
	if media == nil || media.MIMEType != "application/pdf" || media.Kind != store.TypeDocument {
		t.Errorf("media = %+v", media)
	}
}

func TestDecodeMediaDataURL(t *testing.T) {
	m, err := decodeMedia(mediaPayload{Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})})
	if err != nil {
		t.Fatal(err)
	}
	if m.MIMEType != "image/jpeg" || len(m.Data) != 3 {
		t.Errorf("media = %+v", m)
	}
}

func TestMessagesValidation(t *testing.T) {
	env := newEnv(t)
	if code := env.do(t, "GET", "/api/messages/ready/abc", "", nil); code != 400 {
		t.Errorf("bad phone code = %d", code)
	}
	if code := env.do(t, "GET", "/api/messages/ready/"+phone+"?limit=-1", "", nil); code != 400 {
		t.Errorf("bad limit code = %d", code)
	}
	if code := env.do(t, "GET", "/api/messages/ready/"+phone+"?before=yesterday", "", nil); code != 400 {
		t.Errorf("bad before code = %d", code)
	}

	var page store.MessagePage
	if code := env.do(t, "GET", "/api/messages/ready/"+phone, "", &page); code != 200 || page.Total != 0 {
		t.Errorf("empty chat = %d %+v", code, page)
	}
	env.refresher.mu.Lock()
	defer env.refresher.mu.Unlock()
	if len(env.refresher.chats) != 1 || env.refresher.chats[0] != phone {
		t.Errorf("refresh chat requests = %v", env.refresher.chats)
	}
}

func TestMessagesMarkRead(t *testing.T) {
	env := newEnv(t)
	if _, err := env.store.AppendMessage("ready", store.Message{
		ID: "in1", ChatID: phone, Direction: store.Inbound, Body: "hi", Timestamp: 1, Type: store.TypeText,
	}); err != nil {
		t.Fatal(err)
	}

	if code := env.do(t, "GET", "/api/messages/ready/"+phone, "", nil); code != 200 {
		t.Fatalf("code = %d", code)
	}
	deadline := time.After(time.Second)
	for len(env.client.Read(phone+"@s.whatsapp.net")) == 0 {
		select {
		case <-deadline:
			t.Fatal("read receipts not sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if chat, _ := env.store.GetChat("ready", phone); chat.UnreadCount != 0 {
		t.Errorf("unread = %d", chat.UnreadCount)
	}
}

func TestDisconnect(t *testing.T) {
	env := newEnv(t)
	var resp disconnectResponse
	if code := env.do(t, "POST", "/api/disconnect/ready", "", &resp); code != 200 || !resp.Success || resp.Message != "Disconnected successfully" {
		t.Errorf("disconnect = %d %+v", code, resp)
	}
	if code := env.do(t, "POST", "/api/disconnect/ready", "", &resp); code != 200 || !resp.Success || resp.Message != "Already disconnected" {
		t.Errorf("second disconnect = %d %+v", code, resp)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	if _, err := env.store.AppendMessage("ready", store.Message{ID: "m", ChatID: phone, Direction: store.Inbound, Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	var h healthResponse
	if code := env.do(t, "GET", "/health", "", &h); code != 200 {
		t.Fatalf("code = %d", code)
	}
	if h.Status != "healthy" || h.ActiveClients != 1 || h.TotalMessagesStored != 1 {
		t.Errorf("health = %+v", h)
	}
	if len(h.Sessions) != 1 || h.Sessions[0].Status != "ready" {
		t.Errorf("sessions = %+v", h.Sessions)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := map[failure.Kind]int{
		failure.InvalidRecipient:      400,
		failure.InvalidRequest:        400,
		failure.NotReady:              409,
		failure.NotFound:              404,
		failure.SendFailure:           502,
		failure.AuthenticationFailure: 500,
	}
	for kind, want := range tests {
		if got := httpStatus(failure.New(kind, "x")); got != want {
			t.Errorf("%v = %d, want %d", kind, got, want)
		}
	}
}
