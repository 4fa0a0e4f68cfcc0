// Package auth holds the session token store shared by the HTTP layer and the
// socket clients.
//
// Writers persist first and then notify subscribers, so a subscriber that
// reads the store from its callback always observes the new value.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/storage"
)

// Storage keys.
const (
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyUserID          = "userId"
	KeyActiveServiceID = "activeServiceId"
)

// TokenStore reads and writes the session through a storage.Store.
type TokenStore struct {
	store storage.Store

	mu     sync.Mutex
	subs   map[int]func(token string)
	nextID int
}

// NewTokenStore wraps store.
func NewTokenStore(store storage.Store) *TokenStore {
	return &TokenStore{store: store, subs: make(map[int]func(string))}
}

func (s *TokenStore) get(ctx context.Context, key string) string {
	v, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("component", "tokens").Str("key", key).Msg("storage read failed")
		}
		return ""
	}
	return v
}

// AccessToken returns the stored access token or "".
func (s *TokenStore) AccessToken(ctx context.Context) string { return s.get(ctx, KeyAccessToken) }

// RefreshToken returns the client-held refresh token or "".
func (s *TokenStore) RefreshToken(ctx context.Context) string { return s.get(ctx, KeyRefreshToken) }

// Session returns the current token pair with its expiry when known.
func (s *TokenStore) Session(ctx context.Context) domain.Session {
	sess := domain.Session{AccessToken: s.AccessToken(ctx), RefreshToken: s.RefreshToken(ctx)}
	if exp, ok := TokenExpiry(sess.AccessToken); ok {
		sess.ExpiresAt = exp
	}
	return sess
}

// SetSession stores a token pair. An empty refresh token leaves the stored
// one untouched since servers that rotate via cookie omit it.
func (s *TokenStore) SetSession(ctx context.Context, access, refresh string) error {
	if err := s.store.Set(ctx, KeyAccessToken, access); err != nil {
		return err
	}
	if refresh != "" {
		if err := s.store.Set(ctx, KeyRefreshToken, refresh); err != nil {
			return err
		}
	}
	s.publish(access)
	return nil
}

// SetAccessToken stores a rotated access token.
func (s *TokenStore) SetAccessToken(ctx context.Context, access string) error {
	return s.SetSession(ctx, access, "")
}

// Clear removes both tokens and notifies subscribers with "".
func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
		return err
	}
	s.publish("")
	return nil
}

// Authenticated reports whether an access token is present.
func (s *TokenStore) Authenticated(ctx context.Context) bool { return s.AccessToken(ctx) != "" }

func (s *TokenStore) UserID(ctx context.Context) string { return s.get(ctx, KeyUserID) }

func (s *TokenStore) SetUserID(ctx context.Context, id string) error {
	return s.store.Set(ctx, KeyUserID, id)
}

func (s *TokenStore) ActiveServiceID(ctx context.Context) string {
	return s.get(ctx, KeyActiveServiceID)
}

func (s *TokenStore) SetActiveServiceID(ctx context.Context, id string) error {
	return s.store.Set(ctx, KeyActiveServiceID, id)
}

func (s *TokenStore) ClearActiveServiceID(ctx context.Context) error {
	return s.store.Delete(ctx, KeyActiveServiceID)
}

// Subscribe registers fn to be called after every token write. The returned
// func removes the subscription.
func (s *TokenStore) Subscribe(fn func(token string)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *TokenStore) publish(token string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(token)
	}
}

// ExpiresWithin reports whether the stored access token is a JWT whose exp
// falls before now+d. Opaque tokens never report expiry.
func (s *TokenStore) ExpiresWithin(ctx context.Context, now time.Time, d time.Duration) bool {
	exp, ok := TokenExpiry(s.AccessToken(ctx))
	return ok && exp.Before(now.Add(d))
}

// TokenExpiry extracts the exp claim without verifying the signature. The
// result only schedules refreshes; it is never used for authorization.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
