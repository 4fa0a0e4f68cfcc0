// Package socket is the event transport used by the realtime and chat
// clients: named JSON events with optional acknowledgements over a
// WebSocket, automatic reconnection with exponential backoff, and
// disconnect reasons the clients can branch on.
//
// Wire format (text frames):
//
//	{"type":"event","event":"join:service","data":{...},"id":7}
//	{"type":"ack","id":7,"data":{...}}
package socket

import (
	"context"
	"encoding/json"
	"errors"
)

// Disconnect reasons passed to Handlers.OnDisconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

var (
	// ErrNotConnected is returned by emits while no connection is live.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrDisconnected is returned when the connection drops before an ack.
	ErrDisconnected = errors.New("socket: disconnected before acknowledgement")
	// ErrUnauthorized is reported through OnConnectError when the server
	// rejects the handshake credentials.
	ErrUnauthorized = errors.New("socket: handshake rejected")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handlers receive connection lifecycle and inbound events. They run
// sequentially on a per-socket dispatch goroutine, so a handler may block on
// EmitWithAck without stalling the read loop.
type Handlers struct {
	OnConnect      func()
	OnDisconnect   func(reason string)
	OnConnectError func(err error)
	OnEvent        func(event string, data json.RawMessage)
}

// Socket is the transport contract the clients are written against.
type Socket interface {
	SetHandlers(h Handlers)
	Token() string
	SetToken(token string)
	// Open starts connecting unless a connection loop is already running.
	Open()
	// Reconnect drops the live connection and dials again with the current token.
	Reconnect()
	State() State
	Connected() bool
	Emit(event string, data any) error
	EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error)
	// Close disconnects and stops reconnecting. Open may be called again later.
	Close()
}

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *int64          `json:"id,omitempty"`
}

// Ensure connects s with token. A live or pending connection with the same
// token is kept; a different token updates the credentials and reconnects the
// same socket.
func Ensure(s Socket, token string) {
	same := s.Token() == token
	state := s.State()
	switch {
	case same && state != StateDisconnected:
	case same:
		s.Open()
	case state == StateDisconnected:
		s.SetToken(token)
		s.Open()
	default:
		s.SetToken(token)
		s.Reconnect()
	}
}
