package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Conn. Zero durations take the defaults below.
type Options struct {
	URL               string // origin, e.g. ws://localhost:5000
	Namespace         string // e.g. /realtime
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 20 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectDelayMax <= 0 {
		o.ReconnectDelayMax = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
}

// Conn is the WebSocket implementation of Socket. One Conn is one
// namespace; it keeps its identity across reconnects.
type Conn struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	token       string
	state       State
	ws          *websocket.Conn
	running     bool
	stop        chan struct{}
	wake        chan struct{}
	closeReason string
	handlers    Handlers
	acks        map[int64]chan json.RawMessage
	nextID      int64

	writeMu sync.Mutex

	qmu      sync.Mutex
	queue    []func()
	draining bool
}

// NewConn builds an idle Conn; call Open to connect.
func NewConn(opts Options) *Conn {
	opts.defaults()
	return &Conn{
		opts: opts,
		log:  log.With().Str("component", "socket").Str("namespace", opts.Namespace).Logger(),
		wake: make(chan struct{}, 1),
		acks: make(map[int64]chan json.RawMessage),
	}
}

var _ Socket = (*Conn)(nil)

func (c *Conn) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Conn) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Connected() bool { return c.State() == StateConnected }

func (c *Conn) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.state = StateConnecting
	go c.loop(c.stop)
}

func (c *Conn) Reconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.Open()
		return
	}
	ws := c.ws
	if ws != nil {
		c.closeReason = ReasonClientDisconnect
	}
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	if !c.running {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.running = false
	ws := c.ws
	if ws != nil {
		c.closeReason = ReasonClientDisconnect
	}
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
}

// loop dials, serves and re-dials until stop closes or the server ends the
// session explicitly.
func (c *Conn) loop(stop chan struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectDelay
	bo.MaxInterval = c.opts.ReconnectDelayMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	defer func() {
		c.mu.Lock()
		if c.stop == stop {
			c.running = false
		}
		if !c.running || c.stop == stop {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	}()

	for {
		if isClosed(stop) {
			return
		}
		c.setState(StateConnecting)

		token := c.Token()
		ws, err := c.dial(stop, token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.log.Warn().Msg("handshake rejected")
				c.dispatchConnectError(err)
				return
			}
			c.log.Debug().Err(err).Msg("dial failed")
			c.dispatchConnectError(err)
			if !c.sleep(stop, bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()
		if c.Token() != token {
			// Credentials changed while dialing.
			_ = ws.Close()
			continue
		}

		if !c.attach(ws, stop) {
			_ = ws.Close()
			return
		}
		c.log.Debug().Msg("connected")
		c.dispatch(func(h Handlers) {
			if h.OnConnect != nil {
				h.OnConnect()
			}
		})

		reason := c.serve(ws)
		c.detach(ws, reason)

		switch reason {
		case ReasonClientDisconnect:
			continue
		case ReasonServerDisconnect:
			return
		}
		if !c.sleep(stop, bo.NextBackOff()) {
			return
		}
	}
}

func (c *Conn) dial(stop chan struct{}, token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	hdr := make(http.Header)
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.endpoint(token), hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return ws, nil
}

func (c *Conn) endpoint(token string) string {
	u := strings.TrimRight(c.opts.URL, "/") + c.opts.Namespace
	if token == "" {
		return u
	}
	return u + "?token=" + url.QueryEscape(token)
}

func (c *Conn) attach(ws *websocket.Conn, stop chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isClosed(stop) {
		return false
	}
	c.ws = ws
	c.state = StateConnected
	c.closeReason = ""
	return true
}

func (c *Conn) detach(ws *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.state = StateDisconnected
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
	c.mu.Unlock()
	_ = ws.Close()

	c.log.Debug().Str("reason", reason).Msg("disconnected")
	c.dispatch(func(h Handlers) {
		if h.OnDisconnect != nil {
			h.OnDisconnect(reason)
		}
	})
}

// serve reads frames until the connection ends and returns the reason.
func (c *Conn) serve(ws *websocket.Conn) string {
	idle := c.opts.PingInterval + c.opts.PingTimeout
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(idle)) }
	extend()
	ws.SetPongHandler(func(string) error { extend(); return nil })
	ws.SetPingHandler(func(appData string) error {
		extend()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				c.writeMu.Lock()
				_ = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
				c.writeMu.Unlock()
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return c.classify(err)
		}
		extend()
		c.handleFrame(data)
	}
}

func (c *Conn) classify(err error) string {
	c.mu.Lock()
	reason := c.closeReason
	c.closeReason = ""
	c.mu.Unlock()
	if reason != "" {
		return reason
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return ReasonServerDisconnect
		}
		return ReasonTransportClose
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonPingTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

func (c *Conn) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	switch f.Type {
	case "ack":
		if f.ID == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.acks[*f.ID]
		delete(c.acks, *f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f.Data
		}
	case "event":
		name, payload := f.Event, f.Data
		c.dispatch(func(h Handlers) {
			if h.OnEvent != nil {
				h.OnEvent(name, payload)
			}
		})
	}
}

// Emit sends an event without waiting for delivery. It fails with
// ErrNotConnected instead of queueing.
func (c *Conn) Emit(event string, data any) error {
	return c.send(event, data, nil)
}

// EmitWithAck sends an event and waits for the server's acknowledgement.
func (c *Conn) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.acks[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}
	if err := c.send(event, data, &id); err != nil {
		forget()
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *Conn) send(event string, data any, id *int64) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(frame{Type: "event", Event: event, Data: raw, ID: id})
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) sleep(stop chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-c.wake:
		return true
	case <-t.C:
		return true
	}
}

func (c *Conn) dispatchConnectError(err error) {
	c.dispatch(func(h Handlers) {
		if h.OnConnectError != nil {
			h.OnConnectError(err)
		}
	})
}

// dispatch runs fn on the serial handler queue.
func (c *Conn) dispatch(fn func(Handlers)) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	c.qmu.Lock()
	c.queue = append(c.queue, func() { fn(h) })
	if c.draining {
		c.qmu.Unlock()
		return
	}
	c.draining = true
	c.qmu.Unlock()
	go c.drain()
}

func (c *Conn) drain() {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.qmu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()
		fn()
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
