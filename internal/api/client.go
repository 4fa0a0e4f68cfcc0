package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/sysutil"
)

const (
	pathRefresh  = "/auth/refresh"
	pathIdentity = "/auth/me"

	// refreshLeeway is how close to expiry a token gets refreshed proactively.
	refreshLeeway = 30 * time.Second
)

// Result is the outcome of a call. Data holds the envelope's data member.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Status  int             `json:"-"`
	Kind    Kind            `json:"-"`
}

// Err returns nil for successful results and an *Error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Status: r.Status, Message: r.Error}
}

// Decode unmarshals Data into v. A failed Result returns its Err.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return &Error{Kind: KindDecode, Status: r.Status, Message: err.Error()}
	}
	return nil
}

// envelope is the shape of every backend response.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// Config configures a Client.
type Config struct {
	BaseURL             string
	Timeout             time.Duration // per attempt
	CacheTTL            time.Duration
	IdentityCacheTTL    time.Duration
	MaxRateLimitRetries int // 0 means 3, negative disables transparent retries
	RateLimit           GovernorConfig
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithClock replaces the wall clock for the cache and the governor.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.governor.now = now
	}
}

// WithSleep replaces the governor's cooldown sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.governor.sleep = sleep }
}

// WithJitter replaces the governor's jitter source.
func WithJitter(jitter func() time.Duration) Option {
	return func(c *Client) { c.governor.jitter = jitter }
}

// Client is the REST request layer. Construct one per process and share it.
type Client struct {
	baseURL string
	cfg     Config
	http    *http.Client
	tokens  *auth.TokenStore

	governor *Governor
	cache    *responseCache
	flight   singleflight.Group
	refresh  singleflight.Group

	now    func() time.Time
	tracer trace.Tracer
}

// New builds a Client. Zero Config durations take production defaults.
func New(cfg Config, tokens *auth.TokenStore, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 3 * time.Second
	}
	if cfg.IdentityCacheTTL <= 0 {
		cfg.IdentityCacheTTL = 5 * time.Second
	}
	switch {
	case cfg.MaxRateLimitRetries == 0:
		cfg.MaxRateLimitRetries = 3
	case cfg.MaxRateLimitRetries < 0:
		cfg.MaxRateLimitRetries = 0
	}
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		cfg:      cfg,
		http:     &http.Client{Jar: jar},
		tokens:   tokens,
		governor: NewGovernor(cfg.RateLimit),
		cache:    newResponseCache(),
		now:      time.Now,
		tracer:   otel.Tracer("api/Client"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}
	tokens.Subscribe(func(token string) {
		if token == "" {
			c.cache.purge()
		}
	})
	return c
}

// Governor exposes the shared rate-limit governor.
func (c *Client) Governor() *Governor { return c.governor }

// RawBody sends Data verbatim with the given content type.
type RawBody struct {
	ContentType string
	Data        []byte
}

// RequestOption customizes a single call.
type RequestOption func(*call)

// NoCache bypasses the GET cache and single-flight registry.
func NoCache() RequestOption { return func(c *call) { c.noCache = true } }

// WithHeader adds a header to every attempt of the call.
func WithHeader(k, v string) RequestOption {
	return func(c *call) { c.header.Set(k, v) }
}

// call is one logical request; attempts share its idempotency key.
type call struct {
	method      string
	path        string
	url         string
	body        []byte
	contentType string
	header      http.Header
	noCache     bool
	skipAuth    bool
	isRefresh   bool
}

func (c *call) unsafe() bool {
	switch c.method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Do performs method on path (relative to the base URL). body may be nil, a
// RawBody, or any JSON-encodable value.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) Result {
	cl := &call{
		method: strings.ToUpper(method),
		path:   path,
		url:    c.baseURL + path,
		header: make(http.Header),
	}
	for _, o := range opts {
		o(cl)
	}
	switch b := body.(type) {
	case nil:
	case RawBody:
		cl.body, cl.contentType = b.Data, b.ContentType
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return Result{Kind: KindValidation, Error: fmt.Sprintf("encode request body: %v", err)}
		}
		cl.body, cl.contentType = data, "application/json"
	}
	if cl.unsafe() {
		cl.header.Set("Idempotency-Key", uuid.NewString())
	}
	cl.header.Set("X-Request-ID", uuid.NewString())

	ctx, span := c.tracer.Start(ctx, cl.method+" "+pathTemplate(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", cl.method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	var r Result
	if cl.method == http.MethodGet && !cl.noCache {
		r = c.doGet(ctx, cl)
	} else {
		r = c.execute(ctx, cl)
		if r.Success && cl.unsafe() {
			c.cache.purge()
		}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", r.Status))
	if !r.Success {
		span.SetStatus(codes.Error, r.Error)
	}
	return r
}

// doGet serves from cache, joins an identical in-flight call, or issues a
// new one. Registry entries are dropped when the call settles.
func (c *Client) doGet(ctx context.Context, cl *call) Result {
	key := cl.method + " " + cl.url
	ttl := c.cfg.CacheTTL
	if cl.path == pathIdentity {
		ttl = c.cfg.IdentityCacheTTL
	}
	if r, ok := c.cache.get(key, ttl, c.now()); ok {
		apiCacheHits.Inc()
		return r
	}

	// The shared call must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		r := c.execute(shared, cl)
		if r.Success {
			c.cache.put(key, r, c.now())
		}
		return r, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			apiSharedCalls.Inc()
		}
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{Kind: KindNetwork, Error: ctx.Err().Error()}
	}
}

// execute runs the retry loop for one logical call.
func (c *Client) execute(ctx context.Context, cl *call) Result {
	if !cl.isRefresh && !cl.skipAuth && c.tokens.ExpiresWithin(ctx, c.now(), refreshLeeway) {
		if _, err := c.RefreshSession(ctx); err != nil {
			log.Debug().Err(err).Str("component", "api").Msg("proactive refresh failed")
		}
	}

	authRetried := false
	rateRetries := 0
	for {
		if err := c.governor.Wait(ctx); err != nil {
			return Result{Kind: KindRateLimited, Error: fmt.Sprintf("rate limit cooldown interrupted: %v", err)}
		}

		r, hdr, tokenUsed := c.attempt(ctx, cl)

		if r.Status == http.StatusTooManyRequests {
			d := c.governor.Observe429(hdr.Get("Retry-After"))
			apiCooldowns.Observe(d.Seconds())
			log.Warn().Str("component", "api").Str("path", cl.path).Dur("cooldown", d).Msg("rate limited")
			if rateRetries < c.cfg.MaxRateLimitRetries {
				rateRetries++
				continue
			}
			return r
		}

		if c.isAuthFailure(cl, r.Status) && !authRetried && !cl.isRefresh && !cl.skipAuth {
			authRetried = true
			if c.refreshAfter(ctx, tokenUsed) {
				continue
			}
		}
		return r
	}
}

func (c *Client) isAuthFailure(cl *call, status int) bool {
	return status == http.StatusUnauthorized || (status == http.StatusForbidden && cl.path == pathIdentity)
}

// attempt sends one HTTP request under its own deadline.
func (c *Client) attempt(ctx context.Context, cl *call) (Result, http.Header, string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, cl.url, body)
	if err != nil {
		return Result{Kind: KindValidation, Error: err.Error()}, nil, ""
	}
	for k, vs := range cl.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Accept", "application/json")
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	var token string
	if !cl.skipAuth {
		if token = c.tokens.AccessToken(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	tmpl := pathTemplate(cl.path)
	apiLat.WithLabelValues(cl.method, tmpl).Observe(time.Since(start).Seconds())
	if err != nil {
		apiReqs.WithLabelValues(cl.method, tmpl, "0").Inc()
		log.Debug().Err(err).Str("component", "api").Str("method", cl.method).Str("path", cl.path).Msg("request failed")
		return Result{Kind: KindNetwork, Error: msgNetwork}, nil, token
	}
	defer resp.Body.Close()
	apiReqs.WithLabelValues(cl.method, tmpl, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Kind: KindNetwork, Status: resp.StatusCode, Error: msgNetwork}, resp.Header, token
	}
	return decodeResult(resp.StatusCode, raw), resp.Header, token
}

// decodeResult folds the envelope and status into a Result.
func decodeResult(status int, raw []byte) Result {
	var env envelope
	parsed := len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &env) == nil

	if status >= 200 && status < 300 {
		if len(bytes.TrimSpace(raw)) == 0 {
			return Result{Success: true, Status: status}
		}
		if !parsed {
			return Result{Kind: KindDecode, Status: status, Error: "malformed response body"}
		}
		if env.Success != nil && !*env.Success {
			return Result{Kind: KindValidation, Status: status, Error: sysutil.FirstNonEmpty(env.Error, env.Message, "request failed")}
		}
		return Result{Success: true, Status: status, Data: env.Data}
	}

	msg := ""
	if parsed {
		msg = sysutil.FirstNonEmpty(env.Error, env.Message)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return Result{Kind: kindForStatus(status), Status: status, Error: msg}
}
