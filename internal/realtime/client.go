// Package realtime is the client for the /realtime namespace: service
// lifecycle events, helper location, and the patient's own location updates.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/socket"
)

// Namespace is the socket path of the realtime channel.
const Namespace = "/realtime"

// Event names.
const (
	EventJoinService      = "join:service"
	EventLeaveService     = "leave:service"
	EventLocationUpdate   = "location:update"
	EventServiceAccepted  = "service:accepted"
	EventServiceStarted   = "service:started"
	EventServiceCompleted = "service:completed"
	EventHelperArrived    = "helper:arrived"
	EventHelperLocation   = "helper:location"
	EventAuthInvalid      = "auth:invalid"
)

// Refresher obtains a fresh access token. *api.Client implements it.
type Refresher interface {
	RefreshSession(ctx context.Context) (string, error)
}

// Handler receives the raw payload of an event.
type Handler func(data json.RawMessage)

// ListenerID identifies a registration made with On.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// Option configures a Client.
type Option func(*Client)

// WithSessionExpired sets the hook run once when the server invalidates the
// session.
func WithSessionExpired(fn func()) Option { return func(c *Client) { c.onExpired = fn } }

// WithAckTimeout bounds how long the room join waits for its acknowledgement.
func WithAckTimeout(d time.Duration) Option { return func(c *Client) { c.ackTimeout = d } }

// Client drives one realtime socket for the lifetime of the agent.
type Client struct {
	sock       socket.Socket
	tokens     *auth.TokenStore
	refresher  Refresher
	onExpired  func()
	ackTimeout time.Duration
	log        zerolog.Logger

	mu        sync.Mutex
	listeners map[string][]listener
	nextID    ListenerID
	wanted    bool
	expired   bool

	unsubscribe func()
}

// New wires a client to sock. It follows token writes in tokens: a new token
// reconnects with fresh credentials, a cleared one disconnects.
func New(sock socket.Socket, tokens *auth.TokenStore, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		sock:       sock,
		tokens:     tokens,
		refresher:  refresher,
		ackTimeout: 10 * time.Second,
		log:        log.With().Str("component", "realtime").Logger(),
		listeners:  make(map[string][]listener),
	}
	for _, o := range opts {
		o(c)
	}
	sock.SetHandlers(socket.Handlers{
		OnConnect:      c.handleConnect,
		OnDisconnect:   c.handleDisconnect,
		OnConnectError: c.handleConnectError,
		OnEvent:        c.handleEvent,
	})
	c.unsubscribe = tokens.Subscribe(c.handleToken)
	return c
}

// State reports the connection state.
func (c *Client) State() socket.State { return c.sock.State() }

// Connected reports whether the socket is live.
func (c *Client) Connected() bool { return c.sock.Connected() }

// Connect opens the connection with token. It is idempotent: the same token
// keeps the existing connection, a different one updates the credentials
// and reconnects the same socket.
func (c *Client) Connect(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.wanted = true
	c.expired = false
	c.mu.Unlock()

	socket.Ensure(c.sock, token)
}

// Disconnect closes the socket and stops following token rotations until
// the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.mu.Unlock()
	c.sock.Close()
}

// Close disconnects and detaches from the token store.
func (c *Client) Close() {
	c.Disconnect()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// On registers fn for event. Registrations survive reconnects.
func (c *Client) On(event string, fn Handler) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.listeners[event] = append(c.listeners[event], listener{id: c.nextID, fn: fn})
	return c.nextID
}

// Off removes the given registrations for event, or all of them when no id
// is passed.
func (c *Client) Off(event string, ids ...ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		delete(c.listeners, event)
		return
	}
	drop := make(map[ListenerID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := c.listeners[event][:0]
	for _, l := range c.listeners[event] {
		if !drop[l.id] {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(c.listeners, event)
		return
	}
	c.listeners[event] = kept
}

// Emit sends event when connected and silently drops it otherwise. There is
// no outbound queue, so delivery is at most once.
func (c *Client) Emit(event string, data any) {
	if !c.sock.Connected() {
		c.log.Debug().Str("event", event).Msg("not connected, dropping emit")
		return
	}
	if err := c.sock.Emit(event, data); err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("emit failed")
	}
}

type serviceRef struct {
	ServiceID string `json:"serviceId"`
}

// JoinService records serviceID as the active service and joins its room.
// The room is rejoined automatically after every reconnect.
func (c *Client) JoinService(ctx context.Context, serviceID string) error {
	if err := c.tokens.SetActiveServiceID(ctx, serviceID); err != nil {
		return err
	}
	if c.sock.Connected() {
		c.join(ctx, serviceID)
	}
	return nil
}

// LeaveService leaves the room and forgets the active service.
func (c *Client) LeaveService(ctx context.Context, serviceID string) error {
	c.Emit(EventLeaveService, serviceRef{ServiceID: serviceID})
	if c.tokens.ActiveServiceID(ctx) != serviceID {
		return nil
	}
	return c.tokens.ClearActiveServiceID(ctx)
}

type locationUpdate struct {
	ServiceID string   `json:"serviceId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// SendLocation forwards the patient's position for the active service. It
// is the sink the geolocation tracker feeds.
func (c *Client) SendLocation(ctx context.Context, s domain.LocationSample) {
	id := c.tokens.ActiveServiceID(ctx)
	if id == "" {
		return
	}
	c.Emit(EventLocationUpdate, locationUpdate{ServiceID: id, Lat: s.Lat, Lng: s.Lng, Accuracy: s.Accuracy})
}

func (c *Client) join(ctx context.Context, serviceID string) {
	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	ack, err := c.sock.EmitWithAck(ctx, EventJoinService, serviceRef{ServiceID: serviceID})
	if err != nil {
		c.log.Warn().Err(err).Str("service_id", serviceID).Msg("join service failed")
		return
	}
	if len(ack) == 0 {
		ack = json.RawMessage("null")
	}
	c.log.Debug().Str("service_id", serviceID).RawJSON("ack", ack).Msg("joined service room")
}

// --- socket callbacks ---

func (c *Client) handleConnect() {
	c.log.Info().Msg("connected")
	if id := c.tokens.ActiveServiceID(context.Background()); id != "" {
		c.join(context.Background(), id)
	}
}

func (c *Client) handleDisconnect(reason string) {
	c.log.Info().Str("reason", reason).Msg("disconnected")
	switch reason {
	case socket.ReasonServerDisconnect, socket.ReasonTransportClose,
		socket.ReasonTransportError, socket.ReasonPingTimeout:
		c.refreshAndReconnect()
	}
}

func (c *Client) handleConnectError(err error) {
	c.log.Warn().Err(err).Msg("connect error")
	if errors.Is(err, socket.ErrUnauthorized) {
		c.refreshAndReconnect()
	}
}

func (c *Client) refreshAndReconnect() {
	c.mu.Lock()
	wanted := c.wanted
	c.mu.Unlock()
	if !wanted || c.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token, err := c.refresher.RefreshSession(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("silent refresh failed")
		return
	}
	c.Connect(token)
}

// handleToken follows writes to the token store.
func (c *Client) handleToken(token string) {
	c.mu.Lock()
	wanted := c.wanted
	c.mu.Unlock()
	if !wanted {
		return
	}
	if token == "" {
		c.sock.Close()
		return
	}
	c.Connect(token)
}

func (c *Client) handleEvent(event string, data json.RawMessage) {
	if event == EventAuthInvalid {
		c.handleAuthInvalid(data)
	}
	c.mu.Lock()
	ls := append([]listener(nil), c.listeners[event]...)
	c.mu.Unlock()
	for _, l := range ls {
		l.fn(data)
	}
}

// AuthInvalid is the payload of auth:invalid.
type AuthInvalid struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (c *Client) handleAuthInvalid(data json.RawMessage) {
	var p AuthInvalid
	_ = json.Unmarshal(data, &p)
	c.log.Warn().Str("reason", p.Reason).Str("message", p.Message).Msg("session invalidated by server")

	c.mu.Lock()
	c.wanted = false
	first := !c.expired
	c.expired = true
	c.mu.Unlock()

	if err := c.tokens.Clear(context.Background()); err != nil {
		c.log.Error().Err(err).Msg("clear tokens")
	}
	c.sock.Close()
	if first && c.onExpired != nil {
		c.onExpired()
	}
}
