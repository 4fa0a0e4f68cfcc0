// Package chat is the client for the /chat namespace: one service's chat room
// at a time, acknowledged sends with optimistic local echo, typing
// indicators and read receipts.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/socket"
	"github.com/tbourn/helpbudy-patient/internal/sysutil"
)

// Namespace is the socket path of the chat channel.
const Namespace = "/chat"

// Event names.
const (
	EventJoinService       = "join:service"
	EventLeaveService      = "leave:service"
	EventSendMessage       = "send:message"
	EventMarkRead          = "messages:mark-read"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventMessageReceived   = "message:received"
	EventMessageNew        = "message:new"
	EventMessagesRead      = "messages:read"
	EventUserTyping        = "user:typing"
	EventUserStoppedTyping = "user:stopped-typing"
	EventAuthInvalid       = "auth:invalid"
	EventAuthRotated       = "auth:rotated"
)

const (
	failureNotConnected = "Socket not connected"
	failureNoRoom       = "No active chat room"
	defaultAckTimeout   = 10 * time.Second
)

// ErrNoRoom is returned by room-scoped operations before JoinService.
var ErrNoRoom = errors.New("chat: no active room")

// Outgoing is a message to send. Empty identity fields are filled from the
// token store.
type Outgoing struct {
	ServiceID   string
	Content     string
	MessageType domain.MessageType
	SenderID    string
	SenderType  domain.SenderType
	FileURL     string
	FileName    string
	FileSize    int64
	MimeType    string
}

// Ack is the outcome of SendMessage. A send that never reached the server
// carries Success=false and an Error, never a Go error.
type Ack struct {
	Success         bool            `json:"success"`
	Message         *domain.Message `json:"message,omitempty"`
	Error           string          `json:"error,omitempty"`
	ClientMessageID string          `json:"clientMessageId"`
}

// Events receives normalized inbound traffic. Callbacks run on the socket's
// handler goroutine or on timer goroutines for typing expiry.
type Events struct {
	OnMessage      func(m domain.Message)
	OnTyping       func(userID string, typing bool)
	OnMessagesRead func(serviceID string)
}

// Option configures a Client.
type Option func(*Client)

func WithEvents(ev Events) Option { return func(c *Client) { c.events = ev } }

// WithClock replaces time.Now for timestamps and echo matching.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithAfterFunc replaces the timer used to expire typing indicators.
func WithAfterFunc(fn AfterFunc) Option { return func(c *Client) { c.after = fn } }

func WithAckTimeout(d time.Duration) Option { return func(c *Client) { c.ackTimeout = d } }

// WithSessionExpired sets the hook run when the server invalidates the session.
func WithSessionExpired(fn func()) Option { return func(c *Client) { c.onExpired = fn } }

// WithIDGenerator replaces uuid.NewString for temp and correlation ids.
func WithIDGenerator(fn func() string) Option { return func(c *Client) { c.newID = fn } }

// Client drives the chat socket.
type Client struct {
	sock       socket.Socket
	tokens     *auth.TokenStore
	events     Events
	now        func() time.Time
	after      AfterFunc
	ackTimeout time.Duration
	onExpired  func()
	newID      func() string
	log        zerolog.Logger

	typing   *typingTracker
	timeline *Timeline

	mu          sync.Mutex
	room        string
	wanted      bool
	unsubscribe func()
}

// New wires a chat client to sock and follows token writes in tokens.
func New(sock socket.Socket, tokens *auth.TokenStore, opts ...Option) *Client {
	c := &Client{
		sock:       sock,
		tokens:     tokens,
		now:        time.Now,
		ackTimeout: defaultAckTimeout,
		newID:      uuid.NewString,
		log:        log.With().Str("component", "chat").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	c.timeline = NewTimeline(c.now)
	c.typing = newTypingTracker(c.after, func(userID string, on bool) {
		if c.events.OnTyping != nil {
			c.events.OnTyping(userID, on)
		}
	})
	sock.SetHandlers(socket.Handlers{
		OnConnect:      c.handleConnect,
		OnDisconnect:   func(reason string) { c.log.Info().Str("reason", reason).Msg("disconnected") },
		OnConnectError: func(err error) { c.log.Warn().Err(err).Msg("connect error") },
		OnEvent:        c.handleEvent,
	})
	c.unsubscribe = tokens.Subscribe(c.handleToken)
	return c
}

// Timeline returns the current room's message list.
func (c *Client) Timeline() *Timeline { return c.timeline }

// Room returns the joined service id or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Connected reports whether the socket is live.
func (c *Client) Connected() bool { return c.sock.Connected() }

// TypingUsers lists remote users currently typing.
func (c *Client) TypingUsers() []string { return c.typing.users() }

// Connect opens the chat socket with token; see socket.Ensure.
func (c *Client) Connect(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.wanted = true
	c.mu.Unlock()
	socket.Ensure(c.sock, token)
}

// Disconnect leaves the current room, best effort, then closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	room := c.room
	c.mu.Unlock()
	if room != "" && c.sock.Connected() {
		if err := c.sock.Emit(EventLeaveService, serviceRef{ServiceID: room}); err != nil {
			c.log.Debug().Err(err).Msg("leave before disconnect")
		}
	}
	c.sock.Close()
	c.typing.reset()
}

// Close disconnects and detaches from the token store.
func (c *Client) Close() {
	c.Disconnect()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

type serviceRef struct {
	ServiceID string `json:"serviceId"`
}

// JoinService makes serviceID the tracked room, replacing any previous one.
// history seeds the timeline when the room changes.
func (c *Client) JoinService(ctx context.Context, serviceID string, history []domain.Message) {
	c.mu.Lock()
	prev := c.room
	c.room = serviceID
	c.mu.Unlock()

	if prev != serviceID {
		if prev != "" {
			c.emit(EventLeaveService, serviceRef{ServiceID: prev})
		}
		c.timeline.Reset(history)
		c.typing.reset()
	}
	if c.sock.Connected() {
		c.join(ctx, serviceID)
	}
}

// LeaveService leaves serviceID if it is the tracked room.
func (c *Client) LeaveService(serviceID string) {
	c.mu.Lock()
	if c.room != serviceID {
		c.mu.Unlock()
		return
	}
	c.room = ""
	c.mu.Unlock()
	c.emit(EventLeaveService, serviceRef{ServiceID: serviceID})
	c.timeline.Reset(nil)
	c.typing.reset()
}

type sendPayload struct {
	ServiceID       string             `json:"serviceId"`
	ClientMessageID string             `json:"clientMessageId"`
	MessageType     domain.MessageType `json:"messageType"`
	MessageText     string             `json:"messageText"`
	SenderID        string             `json:"senderId"`
	SenderType      domain.SenderType  `json:"senderType"`
	FileURL         string             `json:"fileUrl,omitempty"`
	FileName        string             `json:"fileName,omitempty"`
	FileSize        int64              `json:"fileSize,omitempty"`
	MimeType        string             `json:"mimeType,omitempty"`
}

type ackWire struct {
	Success bool         `json:"success"`
	Message *wireMessage `json:"message,omitempty"`
	Data    *wireMessage `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// SendMessage shows an optimistic entry, emits send:message and waits for
// the server's acknowledgement. On failure the optimistic entry is removed
// and the returned Ack describes why.
func (c *Client) SendMessage(ctx context.Context, in Outgoing) Ack {
	p := c.normalize(ctx, in)
	ack := Ack{ClientMessageID: p.ClientMessageID}
	if p.ServiceID == "" {
		ack.Error = failureNoRoom
		return ack
	}
	if !c.sock.Connected() {
		ack.Error = failureNotConnected
		return ack
	}

	temp := domain.Message{
		ID:              domain.TempIDPrefix + c.newID(),
		ClientMessageID: p.ClientMessageID,
		ServiceID:       p.ServiceID,
		SenderID:        p.SenderID,
		SenderType:      p.SenderType,
		Content:         p.MessageText,
		MessageType:     p.MessageType,
		FileURL:         p.FileURL,
		FileName:        p.FileName,
		FileSize:        p.FileSize,
		MimeType:        p.MimeType,
		CreatedAt:       c.now(),
	}
	own := p.ServiceID == c.Room()
	if own {
		c.timeline.AddPending(temp)
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	raw, err := c.sock.EmitWithAck(ctx, EventSendMessage, p)
	if err != nil {
		if own {
			c.timeline.Discard(p.ClientMessageID)
		}
		if errors.Is(err, socket.ErrNotConnected) {
			ack.Error = failureNotConnected
		} else {
			ack.Error = err.Error()
		}
		return ack
	}

	var w ackWire
	if err := json.Unmarshal(raw, &w); err != nil {
		c.log.Warn().Err(err).Msg("malformed send acknowledgement")
		w = ackWire{Success: true}
	}
	ack.Success = w.Success
	ack.Error = w.Error
	if !w.Success {
		if own {
			c.timeline.Discard(p.ClientMessageID)
		}
		if ack.Error == "" {
			ack.Error = "message rejected"
		}
		return ack
	}

	msgw := w.Message
	if msgw == nil {
		msgw = w.Data
	}
	if msgw != nil {
		m := msgw.normalize(p.ServiceID)
		if m.ClientMessageID == "" {
			m.ClientMessageID = p.ClientMessageID
		}
		ack.Message = &m
		if own {
			c.timeline.Apply(m)
		}
	}
	return ack
}

func (c *Client) normalize(ctx context.Context, in Outgoing) sendPayload {
	p := sendPayload{
		ServiceID:       in.ServiceID,
		ClientMessageID: c.newID(),
		MessageType:     in.MessageType,
		MessageText:     strings.TrimSpace(in.Content),
		SenderID:        in.SenderID,
		SenderType:      in.SenderType,
		FileURL:         strings.TrimSpace(in.FileURL),
		FileName:        strings.TrimSpace(in.FileName),
		FileSize:        in.FileSize,
		MimeType:        in.MimeType,
	}
	if p.ServiceID == "" {
		p.ServiceID = c.Room()
	}
	if p.SenderID == "" {
		p.SenderID = c.tokens.UserID(ctx)
	}
	if p.SenderType == "" {
		p.SenderType = domain.SenderPatient
	}
	if p.FileURL != "" {
		if p.FileName == "" {
			p.FileName = fileNameFromURL(p.FileURL)
		}
		if p.MimeType == "" {
			p.MimeType = mime.TypeByExtension(path.Ext(p.FileName))
		}
	}
	if !p.MessageType.Valid() {
		p.MessageType = inferType(p.FileURL, p.MimeType)
	}
	return p
}

func fileNameFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	name := path.Base(u)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func inferType(fileURL, mimeType string) domain.MessageType {
	switch {
	case fileURL == "":
		return domain.MessageText
	case strings.HasPrefix(mimeType, "image/"):
		return domain.MessageImage
	case strings.HasPrefix(mimeType, "audio/"):
		return domain.MessageVoice
	default:
		return domain.MessageFile
	}
}

// MarkRead asks the server to mark the room's messages read for this user.
func (c *Client) MarkRead(ctx context.Context) error {
	room := c.Room()
	if room == "" {
		return ErrNoRoom
	}
	c.emit(EventMarkRead, struct {
		ServiceID string `json:"serviceId"`
		UserID    string `json:"userId"`
	}{room, c.tokens.UserID(ctx)})
	return nil
}

type typingPayload struct {
	ServiceID string `json:"serviceId"`
	UserID    string `json:"userId"`
	UserType  string `json:"userType,omitempty"`
}

// TypingStart signals that the patient is typing in the current room.
func (c *Client) TypingStart(ctx context.Context) error {
	room := c.Room()
	if room == "" {
		return ErrNoRoom
	}
	c.emit(EventTypingStart, typingPayload{ServiceID: room, UserID: c.tokens.UserID(ctx), UserType: string(domain.SenderPatient)})
	return nil
}

// TypingStop signals that the patient stopped typing.
func (c *Client) TypingStop(ctx context.Context) error {
	room := c.Room()
	if room == "" {
		return ErrNoRoom
	}
	c.emit(EventTypingStop, typingPayload{ServiceID: room, UserID: c.tokens.UserID(ctx)})
	return nil
}

// emit is fire-and-forget; nothing is queued while disconnected.
func (c *Client) emit(event string, data any) {
	if !c.sock.Connected() {
		return
	}
	if err := c.sock.Emit(event, data); err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (c *Client) join(ctx context.Context, serviceID string) {
	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	if _, err := c.sock.EmitWithAck(ctx, EventJoinService, serviceRef{ServiceID: serviceID}); err != nil {
		c.log.Warn().Err(err).Str("service_id", serviceID).Msg("join chat room failed")
		return
	}
	c.log.Debug().Str("service_id", serviceID).Msg("joined chat room")
}

// --- inbound ---

func (c *Client) handleConnect() {
	c.log.Info().Msg("connected")
	if room := c.Room(); room != "" {
		c.join(context.Background(), room)
	}
}

func (c *Client) handleToken(token string) {
	c.mu.Lock()
	wanted := c.wanted
	c.mu.Unlock()
	if !wanted {
		return
	}
	if token == "" {
		c.Disconnect()
		return
	}
	c.Connect(token)
}

func (c *Client) handleEvent(event string, data json.RawMessage) {
	switch event {
	case EventMessageReceived:
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			c.log.Warn().Err(err).Str("event", event).Msg("dropping malformed message")
			return
		}
		c.deliver(w.normalize(""))
	case EventMessageNew:
		var env struct {
			ServiceID string      `json:"serviceId"`
			Message   wireMessage `json:"message"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Str("event", event).Msg("dropping malformed message")
			return
		}
		c.deliver(env.Message.normalize(env.ServiceID))
	case EventMessagesRead:
		c.handleRead(data)
	case EventUserTyping, EventUserStoppedTyping:
		var p struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
			return
		}
		if p.UserID == c.tokens.UserID(context.Background()) {
			return
		}
		if event == EventUserTyping {
			c.typing.start(p.UserID)
		} else {
			c.typing.stop(p.UserID)
		}
	case EventAuthRotated:
		c.handleRotated(data)
	case EventAuthInvalid:
		c.handleInvalid()
	}
}

func (c *Client) deliver(m domain.Message) {
	if m.ServiceID == "" {
		m.ServiceID = c.Room()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now()
	}
	if m.ServiceID == c.Room() {
		c.timeline.Apply(m)
	}
	if c.events.OnMessage != nil {
		c.events.OnMessage(m)
	}
}

func (c *Client) handleRead(data json.RawMessage) {
	var p struct {
		ServiceID string `json:"serviceId"`
		UserID    string `json:"userId"`
		ReadBy    string `json:"readBy"`
	}
	_ = json.Unmarshal(data, &p)
	room := c.Room()
	if p.ServiceID != "" && p.ServiceID != room {
		return
	}
	me := c.tokens.UserID(context.Background())
	// Our own mark-read echo says nothing about our outgoing messages.
	if reader := sysutil.FirstNonEmpty(p.ReadBy, p.UserID); reader != "" && reader == me {
		return
	}
	c.timeline.MarkOwnRead(me)
	if c.events.OnMessagesRead != nil {
		c.events.OnMessagesRead(room)
	}
}

func (c *Client) handleRotated(data json.RawMessage) {
	var p struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.AccessToken == "" {
		return
	}
	// The live connection already carries the rotated credentials.
	c.sock.SetToken(p.AccessToken)
	if err := c.tokens.SetAccessToken(context.Background(), p.AccessToken); err != nil {
		c.log.Error().Err(err).Msg("persist rotated token")
	}
}

func (c *Client) handleInvalid() {
	c.log.Warn().Msg("session invalidated by server")
	c.mu.Lock()
	wasWanted := c.wanted
	c.wanted = false
	c.mu.Unlock()
	if err := c.tokens.Clear(context.Background()); err != nil {
		c.log.Error().Err(err).Msg("clear tokens")
	}
	c.Disconnect()
	if wasWanted && c.onExpired != nil {
		c.onExpired()
	}
}
