// Package services – AuthService
//
// AuthService runs the one-time-passcode login, restores a stored session on
// startup and logs out. A successful login persists the session before the
// socket clients are connected, so their handshakes carry the new token.
package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// AuthAPI is the part of the request layer AuthService uses.
type AuthAPI interface {
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code string) (*domain.AuthResult, error)
	Me(ctx context.Context) (*domain.User, error)
	Logout(ctx context.Context) error
}

// SessionSocket is a socket client that follows the session.
type SessionSocket interface {
	Connect(token string)
	Disconnect()
}

// AuthService owns login and logout.
type AuthService struct {
	API     AuthAPI
	Tokens  *auth.TokenStore
	Sockets []SessionSocket

	// OnLogout runs after the session is cleared, e.g. ServiceFlow.Reset.
	OnLogout func()
}

// NewAuthService wires the service.
func NewAuthService(a AuthAPI, tokens *auth.TokenStore, sockets ...SessionSocket) *AuthService {
	return &AuthService{API: a, Tokens: tokens, Sockets: sockets}
}

var (
	phoneStripRE = regexp.MustCompile(`[\s\-().]`)
	phoneRE      = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	otpRE        = regexp.MustCompile(`^[0-9]{4,8}$`)
)

// NormalizePhone removes separators and validates the result.
func NormalizePhone(phone string) (string, error) {
	p := phoneStripRE.ReplaceAllString(strings.TrimSpace(phone), "")
	if !phoneRE.MatchString(p) {
		return "", ErrInvalidPhone
	}
	return p, nil
}

// RequestOTP asks the backend to send a passcode to phone.
func (s *AuthService) RequestOTP(ctx context.Context, phone string) error {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "RequestOTP")
	defer span.End()

	p, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	return s.API.RequestOTP(ctx, p)
}

// VerifyOTP exchanges the passcode for a session, stores it with the user id
// and connects the sockets.
func (s *AuthService) VerifyOTP(ctx context.Context, phone, code string) (*domain.User, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "VerifyOTP")
	defer span.End()

	p, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if !otpRE.MatchString(code) {
		return nil, ErrInvalidOTP
	}

	res, err := s.API.VerifyOTP(ctx, p, code)
	if err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	if err := s.Tokens.SetUserID(ctx, res.User.ID); err != nil {
		return nil, err
	}
	if err := s.Tokens.SetSession(ctx, res.AccessToken, res.RefreshToken); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", res.User.ID))
	s.connect(res.AccessToken)

	u := res.User
	return &u, nil
}

// Resume connects the sockets when a stored session exists and reports
// whether it did.
func (s *AuthService) Resume(ctx context.Context) bool {
	token := s.Tokens.AccessToken(ctx)
	if token == "" {
		return false
	}
	s.connect(token)
	return true
}

// Me returns the signed-in user.
func (s *AuthService) Me(ctx context.Context) (*domain.User, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Me")
	defer span.End()

	if !s.Tokens.Authenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	u, err := s.API.Me(ctx)
	if err != nil {
		return nil, err
	}
	if u.ID != "" && s.Tokens.UserID(ctx) != u.ID {
		_ = s.Tokens.SetUserID(ctx, u.ID)
	}
	span.SetAttributes(attribute.String("user.id", u.ID))
	return u, nil
}

// Logout ends the session locally even when the server call fails.
func (s *AuthService) Logout(ctx context.Context) error {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Logout", trace.WithAttributes(attribute.Bool("authenticated", s.Tokens.Authenticated(ctx))))
	defer span.End()

	if s.Tokens.Authenticated(ctx) {
		if err := s.API.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("component", "auth").Msg("server logout failed")
		}
	}
	for _, sock := range s.Sockets {
		sock.Disconnect()
	}
	if err := s.Tokens.ClearActiveServiceID(ctx); err != nil {
		return err
	}
	if err := s.Tokens.Clear(ctx); err != nil {
		return err
	}
	if s.OnLogout != nil {
		s.OnLogout()
	}
	return nil
}

func (s *AuthService) connect(token string) {
	for _, sock := range s.Sockets {
		sock.Connect(token)
	}
}
