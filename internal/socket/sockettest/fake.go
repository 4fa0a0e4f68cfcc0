// Package sockettest provides an in-memory socket.Socket for tests of the
// realtime and chat clients.
package sockettest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tbourn/helpbudy-patient/internal/socket"
)

// Emitted is one outbound event captured by Fake.
type Emitted struct {
	Event string
	Data  json.RawMessage
	Ack   bool
}

// Fake records emits and lets a test drive lifecycle callbacks. Handlers
// run synchronously on the calling goroutine.
type Fake struct {
	mu       sync.Mutex
	handlers socket.Handlers
	token    string
	state    socket.State
	emitted  []Emitted

	Opens      int
	Reconnects int
	Closes     int

	// AckFunc answers EmitWithAck. The default acknowledges with {"success":true}.
	AckFunc func(event string, data json.RawMessage) (json.RawMessage, error)
}

// NewFake returns a disconnected Fake.
func NewFake() *Fake { return &Fake{} }

var _ socket.Socket = (*Fake)(nil)

func (f *Fake) SetHandlers(h socket.Handlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *Fake) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *Fake) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *Fake) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opens++
	if f.state == socket.StateDisconnected {
		f.state = socket.StateConnecting
	}
}

func (f *Fake) Reconnect() {
	f.mu.Lock()
	f.Reconnects++
	f.state = socket.StateConnecting
	f.mu.Unlock()
}

func (f *Fake) State() socket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Connected() bool { return f.State() == socket.StateConnected }

func (f *Fake) Emit(event string, data any) error {
	return f.record(event, data, false)
}

func (f *Fake) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.record(event, data, true); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn := f.AckFunc
	last := f.emitted[len(f.emitted)-1].Data
	f.mu.Unlock()
	if fn != nil {
		return fn(event, last)
	}
	return json.RawMessage(`{"success":true}`), nil
}

func (f *Fake) record(event string, data any, ack bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != socket.StateConnected {
		return socket.ErrNotConnected
	}
	f.emitted = append(f.emitted, Emitted{Event: event, Data: raw, Ack: ack})
	return nil
}

func (f *Fake) Close() {
	f.mu.Lock()
	f.Closes++
	was := f.state
	f.state = socket.StateDisconnected
	h := f.handlers
	f.mu.Unlock()
	if was == socket.StateConnected && h.OnDisconnect != nil {
		h.OnDisconnect(socket.ReasonClientDisconnect)
	}
}

// --- test drivers ---

// Accept completes a pending connection and fires OnConnect.
func (f *Fake) Accept() {
	f.mu.Lock()
	f.state = socket.StateConnected
	h := f.handlers
	f.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect()
	}
}

// Drop ends the connection with reason and fires OnDisconnect.
func (f *Fake) Drop(reason string) {
	f.mu.Lock()
	f.state = socket.StateDisconnected
	h := f.handlers
	f.mu.Unlock()
	if h.OnDisconnect != nil {
		h.OnDisconnect(reason)
	}
}

// Reject fails the handshake and fires OnConnectError.
func (f *Fake) Reject(err error) {
	f.mu.Lock()
	f.state = socket.StateDisconnected
	h := f.handlers
	f.mu.Unlock()
	if h.OnConnectError != nil {
		h.OnConnectError(err)
	}
}

// Deliver injects a server event.
func (f *Fake) Deliver(event string, data any) {
	raw, _ := json.Marshal(data)
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnEvent != nil {
		h.OnEvent(event, raw)
	}
}

// Emitted returns all captured emits, optionally filtered by event name.
func (f *Fake) Emitted(event ...string) []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(event) == 0 {
		return append([]Emitted(nil), f.emitted...)
	}
	var out []Emitted
	for _, e := range f.emitted {
		if e.Event == event[0] {
			out = append(out, e)
		}
	}
	return out
}

// Counts returns Opens, Reconnects and Closes under the lock.
func (f *Fake) Counts() (opens, reconnects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opens, f.Reconnects, f.Closes
}
