package handlers

import (
	"context"
	"io"

	"github.com/tbourn/helpbudy-patient/internal/api"
	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/geo"
	"github.com/tbourn/helpbudy-patient/internal/services"
)

//
// Service contracts (context-aware)
//

// AuthService covers login, identity and logout.
type AuthService interface {
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code string) (*domain.User, error)
	Me(ctx context.Context) (*domain.User, error)
	Logout(ctx context.Context) error
}

// ServiceFlow covers the lifecycle of the current helper request.
type ServiceFlow interface {
	RequestHelper(ctx context.Context, in services.RequestInput) (*domain.ServiceRequest, error)
	Active(ctx context.Context) (*services.ServiceState, error)
	Cancel(ctx context.Context, reason string) (*domain.ServiceRequest, error)
	Pay(ctx context.Context, method, reference string) (*domain.Payment, error)
	Rate(ctx context.Context, rating int, comment string) error
	History(ctx context.Context, page, pageSize int) (*api.ServiceHistoryPage, error)
}

// MessageService covers the chat of the current service.
type MessageService interface {
	Send(ctx context.Context, serviceID, text string) (*domain.Message, error)
	SendFile(ctx context.Context, serviceID, fileName, mimeType string, content io.Reader, caption string) (*domain.Message, error)
	ListPage(ctx context.Context, serviceID string, page, pageSize int) ([]domain.Message, int64, error)
	MarkRead(ctx context.Context) error
	Typing(ctx context.Context, typing bool) error
}

// AgentState is the connection and session summary shown by the shell.
type AgentState struct {
	Authenticated   bool     `json:"authenticated"`
	UserID          string   `json:"userId,omitempty"`
	Realtime        string   `json:"realtime"`
	ChatConnected   bool     `json:"chatConnected"`
	ChatRoom        string   `json:"chatRoom,omitempty"`
	TypingUsers     []string `json:"typingUsers"`
	ActiveServiceID string   `json:"activeServiceId,omitempty"`
	Tracking        string   `json:"tracking"`
}

// StateProvider assembles AgentState.
type StateProvider interface {
	State(ctx context.Context) AgentState
}

// LocationSource exposes the tracker's latest fix. *geo.Tracker implements it.
type LocationSource interface {
	Last() (domain.LocationSample, bool)
	State() geo.State
	LastError() error
}

//
// Handler wiring
//

// Handlers groups the local API endpoints.
type Handlers struct {
	auth     AuthService
	flow     ServiceFlow
	msgs     MessageService
	state    StateProvider
	location LocationSource
}

// New constructs Handlers bound to the given services.
func New(auth AuthService, flow ServiceFlow, msgs MessageService, state StateProvider, location LocationSource) *Handlers {
	return &Handlers{auth: auth, flow: flow, msgs: msgs, state: state, location: location}
}
