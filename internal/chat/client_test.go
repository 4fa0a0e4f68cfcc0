package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/socket/sockettest"
	"github.com/tbourn/helpbudy-patient/internal/storage"
)

// --- fake timers ---

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{at: ft.now + d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) Advance(d time.Duration) {
	ft.mu.Lock()
	ft.now += d
	var due []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired && t.at <= ft.now {
			t.fired = true
			due = append(due, t)
		}
	}
	ft.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

// --- harness ---

type harness struct {
	sock    *sockettest.Fake
	tokens  *auth.TokenStore
	timers  *fakeTimers
	client  *Client
	now     time.Time
	got     []domain.Message
	expired int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		sock:   sockettest.NewFake(),
		tokens: auth.NewTokenStore(storage.NewMemoryStore()),
		timers: &fakeTimers{},
		now:    t0,
	}
	if err := h.tokens.SetSession(ctx, "tok", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.tokens.SetUserID(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	n := 0
	h.client = New(h.sock, h.tokens,
		WithClock(func() time.Time { return h.now }),
		WithAfterFunc(h.timers.AfterFunc),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id%d", n) }),
		WithSessionExpired(func() { h.expired++ }),
		WithEvents(Events{OnMessage: func(m domain.Message) { h.got = append(h.got, m) }}),
	)
	t.Cleanup(h.client.Close)
	return h
}

func (h *harness) connect(t *testing.T, room string) {
	t.Helper()
	h.client.Connect("tok")
	h.sock.Accept()
	if room != "" {
		h.client.JoinService(context.Background(), room, nil)
	}
}

func payload(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

// --- tests ---

func TestSendMessage_NotConnected(t *testing.T) {
	h := newHarness(t)
	h.client.JoinService(context.Background(), "s1", nil)

	ack := h.client.SendMessage(context.Background(), Outgoing{Content: "hi"})
	if ack.Success || ack.Error != failureNotConnected || ack.ClientMessageID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if h.client.Timeline().Len() != 0 {
		t.Fatalf("no optimistic entry expected for a send that cannot leave")
	}
}

func TestSendMessage_NoRoom(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "")
	if ack := h.client.SendMessage(context.Background(), Outgoing{Content: "hi"}); ack.Error != failureNoRoom {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestSendMessage_AckReconcilesAndEchoDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")

	var sent map[string]any
	h.sock.AckFunc = func(event string, data json.RawMessage) (json.RawMessage, error) {
		sent = payload(t, data)
		// Mid-flight the optimistic entry is visible.
		if n := h.client.Timeline().Len(); n != 1 {
			t.Errorf("visible during send = %d; want 1", n)
		}
		return json.Marshal(map[string]any{
			"success": true,
			"message": map[string]any{
				"id": "m1", "serviceId": "s1", "senderId": "p1", "senderType": "PATIENT",
				"messageText": "hello", "messageType": "TEXT", "createdAt": t0,
			},
		})
	}

	ack := h.client.SendMessage(context.Background(), Outgoing{Content: "  hello "})
	if !ack.Success || ack.Message == nil || ack.Message.ID != "m1" {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Message.ClientMessageID != ack.ClientMessageID {
		t.Fatalf("ack message lost its correlation id")
	}
	if sent["senderId"] != "p1" || sent["senderType"] != "PATIENT" || sent["messageType"] != "TEXT" ||
		sent["messageText"] != "hello" || sent["serviceId"] != "s1" || sent["clientMessageId"] != ack.ClientMessageID {
		t.Fatalf("payload = %v", sent)
	}

	h.sock.Deliver(EventMessageReceived, map[string]any{
		"id": "m1", "serviceId": "s1", "senderId": "p1", "senderType": "PATIENT", "messageText": "hello",
	})
	msgs := h.client.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestSendMessage_EchoBeforeAck(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")

	h.sock.AckFunc = func(event string, data json.RawMessage) (json.RawMessage, error) {
		// Broadcast without the correlation id, one second after the send.
		h.now = t0.Add(time.Second)
		h.sock.Deliver(EventMessageNew, map[string]any{
			"serviceId": "s1",
			"message":   map[string]any{"id": "m9", "senderId": "p1", "content": "on my way", "createdAt": t0.Add(time.Second)},
		})
		return json.RawMessage(`{"success":true,"data":{"id":"m9","senderId":"p1","messageText":"on my way"}}`), nil
	}

	ack := h.client.SendMessage(context.Background(), Outgoing{Content: "on my way"})
	if !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	msgs := h.client.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].ID != "m9" || msgs[0].IsTemporary() {
		t.Fatalf("timeline = %+v", msgs)
	}
	if h.client.Timeline().Pending() != 0 {
		t.Fatalf("pending = %d", h.client.Timeline().Pending())
	}
}

func TestSendMessage_SkewedEchoThenAckLeavesOneEntry(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")

	h.sock.AckFunc = func(event string, data json.RawMessage) (json.RawMessage, error) {
		// Broadcast without the correlation id, stamped outside EchoWindow,
		// so it is appended next to the temporary entry.
		h.sock.Deliver(EventMessageReceived, map[string]any{
			"id": "m1", "serviceId": "s1", "senderId": "p1", "senderType": "PATIENT",
			"messageText": "at the gate", "createdAt": t0.Add(8 * time.Second),
		})
		return json.RawMessage(`{"success":true,"data":{"id":"m1","senderId":"p1","messageText":"at the gate"}}`), nil
	}

	ack := h.client.SendMessage(context.Background(), Outgoing{Content: "at the gate"})
	if !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	msgs := h.client.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("timeline = %+v", msgs)
	}
	if n := h.client.Timeline().Pending(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestSendMessage_Rejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")
	h.sock.AckFunc = func(string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"success":false,"error":"Service is closed"}`), nil
	}
	ack := h.client.SendMessage(context.Background(), Outgoing{Content: "hello"})
	if ack.Success || ack.Error != "Service is closed" {
		t.Fatalf("ack = %+v", ack)
	}
	if h.client.Timeline().Len() != 0 {
		t.Fatalf("rejected send must not stay visible")
	}
}

func TestSendMessage_FileFieldsNormalized(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")
	h.client.SendMessage(context.Background(), Outgoing{FileURL: "https://cdn.example/u/scan.png?sig=abc", FileSize: 2048})

	sent := h.sock.Emitted(EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("sends = %d", len(sent))
	}
	p := payload(t, sent[0].Data)
	if p["fileName"] != "scan.png" || p["mimeType"] != "image/png" || p["messageType"] != "IMAGE" {
		t.Fatalf("payload = %v", p)
	}
}

func TestJoinServiceReplacesRoom(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")
	h.client.Timeline().Apply(echo("m1", "", "h1", "old room", t0))

	h.client.JoinService(context.Background(), "s2", []domain.Message{echo("x1", "", "h1", "history", t0)})
	if h.client.Room() != "s2" {
		t.Fatalf("room = %q", h.client.Room())
	}
	leaves := h.sock.Emitted(EventLeaveService)
	if len(leaves) != 1 || payload(t, leaves[0].Data)["serviceId"] != "s1" {
		t.Fatalf("leaves = %+v", leaves)
	}
	if joins := h.sock.Emitted(EventJoinService); len(joins) != 2 {
		t.Fatalf("joins = %d; want 2", len(joins))
	}
	if msgs := h.client.Timeline().Messages(); len(msgs) != 1 || msgs[0].ID != "x1" {
		t.Fatalf("timeline = %+v", msgs)
	}

	// Reconnect rejoins the tracked room only.
	h.sock.Drop("transport close")
	h.sock.Accept()
	joins := h.sock.Emitted(EventJoinService)
	if last := payload(t, joins[len(joins)-1].Data)["serviceId"]; len(joins) != 3 || last != "s2" {
		t.Fatalf("rejoin = %v (%d joins)", last, len(joins))
	}
}

func TestIncomingMessagesNormalized(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")

	h.sock.Deliver(EventMessageNew, map[string]any{
		"serviceId": "s1",
		"message":   map[string]any{"_id": "m5", "senderId": "h1", "senderType": "helper", "content": "at gate B"},
	})
	h.sock.Deliver(EventMessageReceived, map[string]any{
		"id": "m6", "serviceId": "s1", "senderId": "h1", "senderType": "HELPER", "messageText": "see you",
	})
	if len(h.got) != 2 {
		t.Fatalf("delivered = %d", len(h.got))
	}
	a, b := h.got[0], h.got[1]
	if a.ID != "m5" || a.ServiceID != "s1" || a.SenderType != domain.SenderHelper || a.Content != "at gate B" ||
		a.MessageType != domain.MessageText || a.CreatedAt.IsZero() {
		t.Fatalf("message:new = %+v", a)
	}
	if b.ID != "m6" || b.Content != "see you" {
		t.Fatalf("message:received = %+v", b)
	}
	if h.client.Timeline().Len() != 2 {
		t.Fatalf("timeline len = %d", h.client.Timeline().Len())
	}
}

func TestTypingIndicatorExpiresAndResets(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")

	h.sock.Deliver(EventUserTyping, map[string]string{"userId": "h1"})
	h.timers.Advance(2 * time.Second)
	h.sock.Deliver(EventUserTyping, map[string]string{"userId": "h1"})
	h.timers.Advance(1500 * time.Millisecond) // 3.5s after the first start
	if got := h.client.TypingUsers(); len(got) != 1 || got[0] != "h1" {
		t.Fatalf("fresh start must reset the timer, typing = %v", got)
	}
	h.timers.Advance(1600 * time.Millisecond)
	if got := h.client.TypingUsers(); len(got) != 0 {
		t.Fatalf("indicator should have expired, typing = %v", got)
	}

	h.sock.Deliver(EventUserTyping, map[string]string{"userId": "h1"})
	h.sock.Deliver(EventUserStoppedTyping, map[string]string{"userId": "h1"})
	if got := h.client.TypingUsers(); len(got) != 0 {
		t.Fatalf("stop should clear immediately, typing = %v", got)
	}

	// Own typing echoes are ignored.
	h.sock.Deliver(EventUserTyping, map[string]string{"userId": "p1"})
	if got := h.client.TypingUsers(); len(got) != 0 {
		t.Fatalf("typing = %v", got)
	}
}

func TestTypingEmits(t *testing.T) {
	h := newHarness(t)
	if err := h.client.TypingStart(context.Background()); err != ErrNoRoom {
		t.Fatalf("want ErrNoRoom, got %v", err)
	}
	h.connect(t, "s1")
	_ = h.client.TypingStart(context.Background())
	_ = h.client.TypingStop(context.Background())
	start := h.sock.Emitted(EventTypingStart)
	stop := h.sock.Emitted(EventTypingStop)
	if len(start) != 1 || len(stop) != 1 {
		t.Fatalf("start=%d stop=%d", len(start), len(stop))
	}
	if p := payload(t, start[0].Data); p["userId"] != "p1" || p["userType"] != "PATIENT" || p["serviceId"] != "s1" {
		t.Fatalf("typing:start = %v", p)
	}
}

func TestReadReceipts(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")
	tl := h.client.Timeline()
	tl.Apply(echo("m1", "", "p1", "mine", t0))
	tl.Apply(echo("m2", "", "h1", "theirs", t0))

	if err := h.client.MarkRead(context.Background()); err != nil {
		t.Fatal(err)
	}
	mr := h.sock.Emitted(EventMarkRead)
	if len(mr) != 1 || payload(t, mr[0].Data)["userId"] != "p1" {
		t.Fatalf("mark-read = %+v", mr)
	}

	// Our own mark-read echo does not flip our outgoing messages.
	h.sock.Deliver(EventMessagesRead, map[string]string{"serviceId": "s1", "readBy": "p1"})
	if tl.Messages()[0].IsRead {
		t.Fatalf("own read echo flipped outgoing messages")
	}

	h.sock.Deliver(EventMessagesRead, map[string]string{"serviceId": "s1", "readBy": "h1"})
	msgs := tl.Messages()
	if !msgs[0].IsRead || msgs[1].IsRead {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestDisconnectLeavesRoomFirst(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")
	h.client.Disconnect()

	all := h.sock.Emitted()
	if last := all[len(all)-1]; last.Event != EventLeaveService {
		t.Fatalf("last emit = %s; want %s", last.Event, EventLeaveService)
	}
	if _, _, closes := h.sock.Counts(); closes != 1 {
		t.Fatalf("closes = %d", closes)
	}
}

func TestAuthRotatedPersistsToken(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")

	var seen []string
	unsub := h.tokens.Subscribe(func(tok string) { seen = append(seen, tok) })
	defer unsub()

	h.sock.Deliver(EventAuthRotated, map[string]string{"accessToken": "tok2"})
	if got := h.tokens.AccessToken(context.Background()); got != "tok2" {
		t.Fatalf("stored token = %q", got)
	}
	if h.sock.Token() != "tok2" {
		t.Fatalf("socket token = %q", h.sock.Token())
	}
	if _, reconnects, _ := h.sock.Counts(); reconnects != 0 {
		t.Fatalf("rotation on the live socket must not reconnect it")
	}
	if len(seen) != 1 || seen[0] != "tok2" {
		t.Fatalf("subscribers saw %v", seen)
	}
}

func TestAuthInvalidTearsDown(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "s1")
	h.sock.Deliver(EventAuthInvalid, map[string]string{"reason": "expired"})

	if h.tokens.Authenticated(context.Background()) {
		t.Fatalf("tokens must be cleared")
	}
	if h.sock.Connected() {
		t.Fatalf("socket must be closed")
	}
	h.sock.Deliver(EventAuthInvalid, map[string]string{"reason": "expired"})
	if h.expired != 1 {
		t.Fatalf("hook ran %d times; want 1", h.expired)
	}
}
