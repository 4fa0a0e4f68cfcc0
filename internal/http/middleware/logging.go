// Package middleware contains the Gin middleware of the local control API.
//
// This file provides request correlation, access logging with scrubbed query
// strings, and panic recovery. Recommended order:
//
//  1. RequestID()
//  2. Logger(opts)
//  3. Recovery()
//
// so that panics and error envelopes carry the correlation ID.
package middleware

import (
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"

	// maxQueryLogLength caps the logged query string, in bytes.
	maxQueryLogLength = 1024
	redacted          = "[REDACTED]"
)

// defaultRedactParams are query keys whose values never reach the logs.
var defaultRedactParams = []string{"phone", "code", "otp", "token", "access_token", "refresh_token"}

// LoggerOptions tunes Logger.
//
// SkipPaths are logged at debug level only (health checks, scrapes).
// RedactParams extends the built-in list of scrubbed query keys.
type LoggerOptions struct {
	SkipPaths    []string
	RedactParams []string
}

// RequestID reuses an incoming X-Request-ID or mints a UUIDv4, then stores it
// on the context and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID set by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Logger writes one structured access log per request and stores a
// request-scoped logger for handlers (see LoggerFrom).
//
// Level follows the outcome: error for 5xx or gin errors, warn for 4xx,
// info otherwise, debug for SkipPaths.
func Logger(opts ...LoggerOptions) gin.HandlerFunc {
	var o LoggerOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	skip := make(map[string]struct{}, len(o.SkipPaths))
	for _, p := range o.SkipPaths {
		skip[p] = struct{}{}
	}
	sensitive := make(map[string]struct{}, len(defaultRedactParams)+len(o.RedactParams))
	for _, k := range append(append([]string{}, defaultRedactParams...), o.RedactParams...) {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			sensitive[k] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("query", truncate(redactQuery(c.Request.URL.RawQuery, sensitive), maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.With().
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		_, quiet := skip[c.Request.URL.Path]
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		case quiet:
			ev.Debug().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery turns panics into the JSON error envelope and logs the stack.
// When the handler already wrote a response only the status is forced.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when
// Logger is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// redactQuery masks the values of sensitive keys. Unparseable queries are
// dropped entirely.
func redactQuery(raw string, sensitive map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	for k := range vals {
		if _, ok := sensitive[strings.ToLower(k)]; ok {
			vals[k] = []string{redacted}
		}
	}
	// Encode sorts keys, which keeps log lines stable.
	return vals.Encode()
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to max bytes and appends an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
