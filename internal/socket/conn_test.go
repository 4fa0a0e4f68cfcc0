package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// --- test server ---

type peer struct {
	ws    *websocket.Conn
	token string
	authz string
}

func (p *peer) read(t *testing.T) frame {
	t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return f
}

func (p *peer) write(t *testing.T, f frame) {
	t.Helper()
	b, _ := json.Marshal(f)
	if err := p.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type testServer struct {
	*httptest.Server
	peers  chan *peer
	reject atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{peers: make(chan *peer, 8)}
	up := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" {
			http.NotFound(w, r)
			return
		}
		if ts.reject.Load() {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.peers <- &peer{ws: ws, token: r.URL.Query().Get("token"), authz: r.Header.Get("Authorization")}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string { return "ws" + strings.TrimPrefix(ts.URL, "http") }

func (ts *testServer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-ts.peers:
		t.Cleanup(func() { _ = p.ws.Close() })
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("no connection arrived")
		return nil
	}
}

type recorder struct {
	connects    chan struct{}
	disconnects chan string
	errs        chan error
	events      chan string
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan struct{}, 8),
		disconnects: make(chan string, 8),
		errs:        make(chan error, 8),
		events:      make(chan string, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnect:      func() { r.connects <- struct{}{} },
		OnDisconnect:   func(reason string) { r.disconnects <- reason },
		OnConnectError: func(err error) { r.errs <- err },
		OnEvent:        func(event string, data json.RawMessage) { r.events <- event + " " + string(data) },
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func newTestConn(ts *testServer, rec *recorder) *Conn {
	c := NewConn(Options{
		URL:               ts.wsURL(),
		Namespace:         "/realtime",
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 20 * time.Millisecond,
	})
	c.SetHandlers(rec.handlers())
	return c
}

// --- tests ---

func TestConn_EventsAcksAndCredentials(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := newTestConn(ts, rec)
	c.SetToken("tok 1")
	c.Open()
	t.Cleanup(c.Close)

	p := ts.accept(t)
	recv(t, rec.connects)
	if p.token != "tok 1" || p.authz != "Bearer tok 1" {
		t.Fatalf("credentials not sent: token=%q authz=%q", p.token, p.authz)
	}
	if !c.Connected() || c.State() != StateConnected {
		t.Fatalf("expected connected state, got %v", c.State())
	}

	p.write(t, frame{Type: "event", Event: "service:accepted", Data: json.RawMessage(`{"serviceId":"s1"}`)})
	if got := recv(t, rec.events); got != `service:accepted {"serviceId":"s1"}` {
		t.Fatalf("unexpected event: %q", got)
	}

	type ackResult struct {
		data json.RawMessage
		err  error
	}
	done := make(chan ackResult, 1)
	go func() {
		d, err := c.EmitWithAck(context.Background(), "join:service", map[string]string{"serviceId": "s1"})
		done <- ackResult{d, err}
	}()
	f := p.read(t)
	if f.Type != "event" || f.Event != "join:service" || f.ID == nil {
		t.Fatalf("unexpected frame: %+v", f)
	}
	p.write(t, frame{Type: "ack", ID: f.ID, Data: json.RawMessage(`{"success":true}`)})
	res := recv(t, done)
	if res.err != nil || string(res.data) != `{"success":true}` {
		t.Fatalf("ack: %s %v", res.data, res.err)
	}

	if err := c.Emit("typing:start", map[string]string{"serviceId": "s1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if f := p.read(t); f.Event != "typing:start" || f.ID != nil {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestConn_EmitWhileDisconnected(t *testing.T) {
	c := NewConn(Options{URL: "ws://127.0.0.1:1", Namespace: "/chat"})
	if err := c.Emit("x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit: want ErrNotConnected, got %v", err)
	}
	if _, err := c.EmitWithAck(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("EmitWithAck: want ErrNotConnected, got %v", err)
	}
}

func TestConn_ServerDisconnectStopsReconnecting(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := newTestConn(ts, rec)
	c.Open()
	t.Cleanup(c.Close)

	p := ts.accept(t)
	recv(t, rec.connects)
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

	if reason := recv(t, rec.disconnects); reason != ReasonServerDisconnect {
		t.Fatalf("reason = %q; want %q", reason, ReasonServerDisconnect)
	}
	select {
	case <-ts.peers:
		t.Fatalf("must not reconnect after a server disconnect")
	case <-time.After(200 * time.Millisecond):
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v; want disconnected", c.State())
	}

	// A later Open starts over.
	c.Open()
	ts.accept(t)
	recv(t, rec.connects)
}

func TestConn_TransportDropReconnects(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := newTestConn(ts, rec)
	c.Open()
	t.Cleanup(c.Close)

	p := ts.accept(t)
	recv(t, rec.connects)

	pending := make(chan error, 1)
	go func() {
		_, err := c.EmitWithAck(context.Background(), "send:message", map[string]string{"messageText": "hi"})
		pending <- err
	}()
	p.read(t)
	_ = p.ws.UnderlyingConn().Close()

	reason := recv(t, rec.disconnects)
	if reason == ReasonServerDisconnect || reason == ReasonClientDisconnect {
		t.Fatalf("abrupt drop classified as %q", reason)
	}
	if err := recv(t, pending); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("pending ack: want ErrDisconnected, got %v", err)
	}
	ts.accept(t)
	recv(t, rec.connects)
}

func TestConn_HandshakeRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.reject.Store(true)
	rec := newRecorder()
	c := newTestConn(ts, rec)
	c.SetToken("expired")
	c.Open()
	t.Cleanup(c.Close)

	if err := recv(t, rec.errs); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-rec.errs:
		t.Fatalf("must not retry a rejected handshake, got %v", err)
	default:
	}
}

func TestConn_ReconnectUsesNewToken(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := newTestConn(ts, rec)
	c.SetToken("a1")
	c.Open()
	t.Cleanup(c.Close)

	ts.accept(t)
	recv(t, rec.connects)

	c.SetToken("a2")
	c.Reconnect()
	if reason := recv(t, rec.disconnects); reason != ReasonClientDisconnect {
		t.Fatalf("reason = %q; want %q", reason, ReasonClientDisconnect)
	}
	p := ts.accept(t)
	recv(t, rec.connects)
	if p.token != "a2" {
		t.Fatalf("reconnect used token %q; want a2", p.token)
	}
}

func TestConn_CloseReportsClientDisconnect(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := newTestConn(ts, rec)
	c.Open()

	ts.accept(t)
	recv(t, rec.connects)
	c.Close()
	if reason := recv(t, rec.disconnects); reason != ReasonClientDisconnect {
		t.Fatalf("reason = %q; want %q", reason, ReasonClientDisconnect)
	}
	select {
	case <-ts.peers:
		t.Fatalf("must not reconnect after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateString(t *testing.T) {
	if StateConnected.String() != "connected" || StateConnecting.String() != "connecting" || StateDisconnected.String() != "disconnected" {
		t.Fatalf("unexpected state names")
	}
}
