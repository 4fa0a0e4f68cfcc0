package app

import (
	"context"

	"github.com/tbourn/helpbudy-patient/internal/http/handlers"
)

// State implements handlers.StateProvider.
func (a *App) State(ctx context.Context) handlers.AgentState {
	typing := a.Chat.TypingUsers()
	if typing == nil {
		typing = []string{}
	}
	return handlers.AgentState{
		Authenticated:   a.Tokens.Authenticated(ctx),
		UserID:          a.Tokens.UserID(ctx),
		Realtime:        a.Realtime.State().String(),
		ChatConnected:   a.Chat.Connected(),
		ChatRoom:        a.Chat.Room(),
		TypingUsers:     typing,
		ActiveServiceID: a.Tokens.ActiveServiceID(ctx),
		Tracking:        string(a.Tracker.State()),
	}
}

var _ handlers.StateProvider = (*App)(nil)
