// Package app is the composition root of the patient agent. It builds every
// component once from config.Config and wires them together: storage, the
// token store, the REST client, both socket clients, the location tracker,
// the services and the local control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/helpbudy-patient/internal/api"
	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/chat"
	"github.com/tbourn/helpbudy-patient/internal/config"
	"github.com/tbourn/helpbudy-patient/internal/geo"
	httpapi "github.com/tbourn/helpbudy-patient/internal/http"
	"github.com/tbourn/helpbudy-patient/internal/http/handlers"
	"github.com/tbourn/helpbudy-patient/internal/realtime"
	"github.com/tbourn/helpbudy-patient/internal/repo"
	"github.com/tbourn/helpbudy-patient/internal/services"
	"github.com/tbourn/helpbudy-patient/internal/socket"
	"github.com/tbourn/helpbudy-patient/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired agent.
type App struct {
	Config config.Config

	DB       *gorm.DB
	Store    storage.Store
	Tokens   *auth.TokenStore
	API      *api.Client
	Realtime *realtime.Client
	Chat     *chat.Client
	Tracker  *geo.Tracker

	Auth     *services.AuthService
	Flow     *services.ServiceFlow
	Messages *services.MessageService

	Server *http.Server

	log     zerolog.Logger
	closers []func() error
}

// New builds the agent. Nothing connects until a session exists: sockets
// open on login or Run's resume.
func New(cfg config.Config) (a *App, err error) {
	a = &App{
		Config: cfg,
		log:    log.With().Str("component", "app").Logger(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if err = a.openStorage(); err != nil {
		return nil, err
	}
	a.Tokens = auth.NewTokenStore(a.Store)

	a.API = api.New(api.Config{
		BaseURL:          cfg.APIBaseURL,
		Timeout:          cfg.HTTPTimeout,
		CacheTTL:         cfg.CacheTTL,
		IdentityCacheTTL: cfg.IdentityCacheTTL,
		RateLimit: api.GovernorConfig{
			DefaultWait: cfg.RateLimit.DefaultWait,
			MaxWait:     cfg.RateLimit.MaxWait,
			MaxFactor:   cfg.RateLimit.MaxFactor,
			Window:      cfg.RateLimit.Window,
			MaxJitter:   cfg.RateLimit.MaxJitter,
		},
	}, a.Tokens)

	provider, err := a.openProvider()
	if err != nil {
		return nil, err
	}
	a.Tracker = geo.NewTracker(provider, geo.Config{
		Interval:        cfg.Geo.UpdateInterval,
		OneShotTimeout:  cfg.Geo.OneShotTimeout,
		WatchTimeout:    cfg.Geo.WatchTimeout,
		MaxWatchTimeout: cfg.Geo.MaxWatchTimeout,
		RetryBase:       cfg.Geo.RetryBase,
		MaxRetries:      cfg.Geo.MaxRetryAttempts,
	})

	a.Messages = &services.MessageService{DB: a.DB, API: a.API, Tokens: a.Tokens}

	a.Realtime = realtime.New(
		socket.NewConn(socket.Options{URL: cfg.SocketURL, Namespace: realtime.Namespace}),
		a.Tokens, a.API,
		realtime.WithSessionExpired(a.sessionExpired),
	)
	a.Chat = chat.New(
		socket.NewConn(socket.Options{URL: cfg.SocketURL, Namespace: chat.Namespace}),
		a.Tokens,
		chat.WithEvents(a.Messages.ChatEvents()),
		chat.WithSessionExpired(a.sessionExpired),
	)
	a.Messages.Chat = a.Chat

	a.Flow = &services.ServiceFlow{
		API:      a.API,
		Tokens:   a.Tokens,
		Realtime: a.Realtime,
		Chat:     a.Chat,
		Tracker:  a.Tracker,
		Messages: a.Messages,
		Ratings:  &services.RatingService{API: a.API},
	}
	a.Flow.Listen(a.Realtime)

	a.Auth = services.NewAuthService(a.API, a.Tokens, a.Realtime, a.Chat)
	a.Auth.OnLogout = a.Flow.Reset

	a.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	return a, nil
}

// openStorage picks the key/value backend. Chat history always lives in
// SQLite; the memory backend uses a private in-memory database.
func (a *App) openStorage() error {
	cfg := a.Config
	dsn := cfg.DBPath
	if cfg.StorageBackend == "memory" || dsn == "" {
		dsn = "file:helpbudy-" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := repo.OpenSQLite(dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	switch cfg.StorageBackend {
	case "memory":
		a.Store = storage.NewMemoryStore()
	case "redis":
		rs, err := storage.NewRedisFromConfig(storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		a.Store = rs
		a.closers = append(a.closers, rs.Close)
	default:
		a.Store = storage.NewSQLStore(db)
	}
	a.log.Info().Str("backend", cfg.StorageBackend).Msg("storage ready")
	return nil
}

func (a *App) openProvider() (geo.Provider, error) {
	g := a.Config.Geo
	if g.Provider == "geoip" {
		p, err := geo.NewGeoIPProvider(g.GeoIPDBPath, g.PublicIP, g.UpdateInterval)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		return p, nil
	}
	return geo.NewStaticProvider(g.StaticLat, g.StaticLng, g.StaticAccuracy, g.UpdateInterval), nil
}

// sessionExpired runs once per socket client when the server invalidates
// the session; the clients have already cleared the tokens.
func (a *App) sessionExpired() {
	a.log.Warn().Msg("session expired, sign in again")
	a.Flow.Reset()
}

// Handler builds the gin engine of the local control API.
func (a *App) Handler() http.Handler {
	if a.Config.GinMode != "" {
		gin.SetMode(a.Config.GinMode)
	}
	r := gin.New()
	h := handlers.New(a.Auth, a.Flow, a.Messages, a, a.Tracker)
	httpapi.RegisterRoutes(r, h, a.Config)
	return r
}

// Resume reconnects a stored session and reattaches to its active service.
func (a *App) Resume(ctx context.Context) {
	if !a.Auth.Resume(ctx) {
		a.log.Info().Msg("no stored session")
		return
	}
	svc, err := a.Flow.Resume(ctx)
	switch {
	case err != nil:
		a.log.Warn().Err(err).Msg("resume active service")
	case svc != nil:
		a.log.Info().Str("service_id", svc.ID).Str("status", string(svc.Status)).Msg("resumed active service")
	}
}

// Run resumes the session, serves the local API and shuts down when ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	a.Resume(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.Server.Addr).Msg("local API listening")
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.log.Info().Msg("local API stopped")
	return nil
}

// Close stops background work and releases resources in reverse order.
func (a *App) Close() error {
	if a.Tracker != nil {
		a.Tracker.Stop()
	}
	if a.Realtime != nil {
		a.Realtime.Close()
	}
	if a.Chat != nil {
		a.Chat.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
