package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// State is the tracker's externally visible status.
type State string

const (
	StateIdle     State = "idle"
	StateLocating State = "locating"
	StateWatching State = "watching"
	StateRetrying State = "retrying"
	StateDenied   State = "denied"
)

// Config tunes the tracker. Zero values take the defaults noted per field.
type Config struct {
	Interval        time.Duration // min gap between forwarded samples, 5s
	OneShotTimeout  time.Duration // 10s
	WatchTimeout    time.Duration // first per-fix watch timeout, 30s
	MaxWatchTimeout time.Duration // 120s
	RetryBase       time.Duration // first retry delay, 3s
	MaxRetries      int           // one-shot retries after a timeout, 5
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.OneShotTimeout <= 0 {
		c.OneShotTimeout = 10 * time.Second
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 30 * time.Second
	}
	if c.MaxWatchTimeout <= 0 {
		c.MaxWatchTimeout = 120 * time.Second
	}
	if c.WatchTimeout > c.MaxWatchTimeout {
		c.WatchTimeout = c.MaxWatchTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Sink receives throttled samples, typically realtime.Client.SendLocation.
type Sink func(ctx context.Context, s domain.LocationSample)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces time.Now for the forwarding gate.
func WithClock(now func() time.Time) TrackerOption { return func(t *Tracker) { t.now = now } }

// WithSleep replaces the retry delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) TrackerOption {
	return func(t *Tracker) { t.sleep = sleep }
}

// Tracker wraps a Provider with permission handling, timeout fallback,
// capped retries and throttled forwarding.
type Tracker struct {
	provider Provider
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger

	mu      sync.Mutex
	state   State
	last    *domain.LocationSample
	lastErr error
	gate    *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker builds an idle tracker over p.
func NewTracker(p Provider, cfg Config, opts ...TrackerOption) *Tracker {
	cfg.defaults()
	t := &Tracker{
		provider: p,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      log.With().Str("component", "geo").Logger(),
		state:    StateIdle,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State reports the current status.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Last returns the most recent sample seen, forwarded or not.
func (t *Tracker) Last() (domain.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return domain.LocationSample{}, false
	}
	return *t.last, true
}

// LastError returns the last surfaced error, if any.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Denied reports whether permission denial has stopped tracking.
func (t *Tracker) Denied() bool { return t.State() == StateDenied }

// ResetPermission leaves the denied state after the user changed the
// permission out of band.
func (t *Tracker) ResetPermission() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDenied {
		t.state = StateIdle
		t.lastErr = nil
	}
}

// Locate takes a single fix for form pre-fill.
func (t *Tracker) Locate(ctx context.Context) (domain.LocationSample, error) {
	if t.Denied() {
		return domain.LocationSample{}, ErrPermissionDenied
	}
	if perm, err := t.provider.Permission(ctx); err == nil && perm == PermissionDenied {
		t.deny()
		return domain.LocationSample{}, ErrPermissionDenied
	}
	s, err := t.oneShot(ctx)
	switch {
	case err == nil:
		t.record(s)
		return s, nil
	case errors.Is(err, ErrPermissionDenied):
		t.deny()
	default:
		t.setErr(err)
	}
	return domain.LocationSample{}, err
}

// Start begins continuous tracking and forwards samples to sink at most once
// per Config.Interval. A running tracker is restarted.
func (t *Tracker) Start(ctx context.Context, sink Sink) error {
	t.Stop()

	t.mu.Lock()
	if t.state == StateDenied {
		t.mu.Unlock()
		return ErrPermissionDenied
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.gate = rate.NewLimiter(rate.Every(t.cfg.Interval), 1)
	t.state = StateLocating
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.run(ctx, sink)
	}()
	return nil
}

// Stop ends tracking and clears any active watch.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.mu.Lock()
	if t.state != StateDenied {
		t.state = StateIdle
	}
	t.mu.Unlock()
}

func (t *Tracker) run(ctx context.Context, sink Sink) {
	// The initial one-shot forces the permission prompt before watching.
	s, err := t.oneShot(ctx)
	switch {
	case err == nil:
		t.forward(ctx, sink, s)
	case errors.Is(err, ErrPermissionDenied):
		t.deny()
		return
	case ctx.Err() != nil:
		return
	default:
		t.log.Debug().Err(err).Msg("initial fix failed, watching anyway")
	}

	timeout := t.cfg.WatchTimeout
	for ctx.Err() == nil {
		t.setState(StateWatching)
		err := t.watch(ctx, sink, timeout)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrPermissionDenied):
			t.deny()
			return
		case errors.Is(err, ErrTimeout):
			if denied := t.retry(ctx, sink); denied {
				t.deny()
				return
			}
			timeout = min(timeout*2, t.cfg.MaxWatchTimeout)
			t.log.Debug().Dur("timeout", timeout).Msg("restarting watch")
		default:
			t.setErr(err)
			t.log.Warn().Err(err).Msg("watch failed")
			if t.sleep(ctx, t.cfg.RetryBase) != nil {
				return
			}
		}
	}
}

// watch runs one provider watch until it fails or ctx ends.
func (t *Tracker) watch(ctx context.Context, sink Sink, timeout time.Duration) error {
	w, err := t.provider.Watch(ctx, PositionOptions{Timeout: timeout, HighAccuracy: true})
	if err != nil {
		return err
	}
	defer w.Clear()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-w.Samples():
			t.forward(ctx, sink, s)
		case err := <-w.Errors():
			return err
		}
	}
}

// retry runs the capped one-shot sequence after a timeout and reports
// whether permission was denied meanwhile.
func (t *Tracker) retry(ctx context.Context, sink Sink) (denied bool) {
	t.setState(StateRetrying)
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     t.cfg.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         t.cfg.MaxWatchTimeout,
	}
	bo.Reset()

	var last error
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		if t.sleep(ctx, bo.NextBackOff()) != nil {
			return false
		}
		s, err := t.oneShot(ctx)
		if err == nil {
			t.forward(ctx, sink, s)
			return false
		}
		if errors.Is(err, ErrPermissionDenied) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		last = err
		t.log.Debug().Err(err).Int("attempt", attempt).Msg("position retry failed")
	}
	t.setErr(last)
	return false
}

func (t *Tracker) oneShot(ctx context.Context) (domain.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OneShotTimeout)
	defer cancel()
	s, err := t.provider.CurrentPosition(ctx, PositionOptions{Timeout: t.cfg.OneShotTimeout, HighAccuracy: true})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = ErrTimeout
	}
	return s, err
}

// forward records s and passes it to sink when the gate allows.
func (t *Tracker) forward(ctx context.Context, sink Sink, s domain.LocationSample) {
	if !s.Valid() {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}
	t.record(s)
	t.mu.Lock()
	gate := t.gate
	t.lastErr = nil
	t.mu.Unlock()
	if gate != nil && !gate.AllowN(t.now(), 1) {
		return
	}
	if sink != nil {
		sink(ctx, s)
	}
}

func (t *Tracker) record(s domain.LocationSample) {
	t.mu.Lock()
	t.last = &s
	t.mu.Unlock()
}

func (t *Tracker) deny() {
	t.log.Warn().Msg("location permission denied, tracking stopped")
	t.mu.Lock()
	t.state = StateDenied
	t.lastErr = ErrPermissionDenied
	t.mu.Unlock()
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	if t.state != StateDenied {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *Tracker) setErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}
