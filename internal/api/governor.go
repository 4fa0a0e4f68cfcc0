package api

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GovernorConfig tunes the cooldown applied after HTTP 429.
type GovernorConfig struct {
	DefaultWait time.Duration // used when Retry-After is absent or unparsable
	MaxWait     time.Duration // cap on a single cooldown
	MaxFactor   int           // cap on the exponential multiplier
	Window      time.Duration // 429s closer than this count as consecutive
	MaxJitter   time.Duration // random delay added to every cooldown wait; negative disables
}

// DefaultGovernorConfig returns the production settings.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		DefaultWait: 5 * time.Second,
		MaxWait:     30 * time.Second,
		MaxFactor:   8,
		Window:      time.Minute,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Governor is a process-wide cooldown shared by every request. It is safe
// for concurrent use.
type Governor struct {
	cfg GovernorConfig

	now    func() time.Time
	jitter func() time.Duration
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	until   time.Time
	count   int
	last429 time.Time
}

// NewGovernor builds a Governor on the wall clock. Zero config fields fall
// back to DefaultGovernorConfig.
func NewGovernor(cfg GovernorConfig) *Governor {
	def := DefaultGovernorConfig()
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = def.DefaultWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.MaxFactor <= 0 {
		cfg.MaxFactor = def.MaxFactor
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	switch {
	case cfg.MaxJitter == 0:
		cfg.MaxJitter = def.MaxJitter
	case cfg.MaxJitter < 0:
		cfg.MaxJitter = 0
	}
	g := &Governor{cfg: cfg, now: time.Now, sleep: sleepCtx}
	g.jitter = func() time.Duration {
		if g.cfg.MaxJitter <= 0 {
			return 0
		}
		return rand.N(g.cfg.MaxJitter)
	}
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks while a cooldown window is active, plus jitter. It returns
// only the context's error.
func (g *Governor) Wait(ctx context.Context) error {
	g.mu.Lock()
	remaining := g.until.Sub(g.now())
	g.mu.Unlock()
	if remaining <= 0 {
		return ctx.Err()
	}
	return g.sleep(ctx, remaining+g.jitter())
}

// Observe429 records a rate-limit signal and returns the cooldown it set.
// retryAfter is the raw Retry-After header value.
func (g *Governor) Observe429(retryAfter string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.last429.IsZero() || now.Sub(g.last429) > g.cfg.Window {
		g.count = 0
	}
	g.count++
	g.last429 = now

	factor := 1
	for i := 1; i < g.count && factor < g.cfg.MaxFactor; i++ {
		factor *= 2
	}
	if factor > g.cfg.MaxFactor {
		factor = g.cfg.MaxFactor
	}

	d := parseRetryAfter(retryAfter, now, g.cfg.DefaultWait) * time.Duration(factor)
	if d > g.cfg.MaxWait {
		d = g.cfg.MaxWait
	}
	if until := now.Add(d); until.After(g.until) {
		g.until = until
	}
	return d
}

// Window reports the active cooldown deadline and the consecutive 429 count.
// A zero time means no cooldown is active.
func (g *Governor) Window() (until time.Time, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.until.After(g.now()) {
		return time.Time{}, g.count
	}
	return g.until, g.count
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return def
}
