package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveSecured(t *testing.T, opt SecurityOptions, prep func(*http.Request), pre ...gin.HandlerFunc) http.Header {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(SecurityHeaders(opt))
	r.GET("/api/state", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	if prep != nil {
		prep(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Defaults(t *testing.T) {
	h := serveSecured(t, SecurityOptions{}, nil)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
		"Pragma":                 "no-cache",
		"Expires":                "0",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Fatalf("%s = %q; want %q", k, got, v)
		}
	}
	for _, k := range []string{"Permissions-Policy", "Strict-Transport-Security", "Access-Control-Expose-Headers"} {
		if h.Get(k) != "" {
			t.Fatalf("unexpected %s: %q", k, h.Get(k))
		}
	}
}

func TestSecurityHeaders_AllowCachingAndPolicy(t *testing.T) {
	h := serveSecured(t, SecurityOptions{AllowCaching: true, BrowserPolicy: true}, nil)

	if h.Get("Cache-Control") != "" {
		t.Fatalf("cache headers should be absent, got %q", h.Get("Cache-Control"))
	}
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("missing policy headers: %#v", h)
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	opt := SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour}

	if got := serveSecured(t, opt, nil).Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("HSTS over plain HTTP: %q", got)
	}
	tlsReq := func(r *http.Request) { r.TLS = &tls.ConnectionState{} }
	if got := serveSecured(t, opt, tlsReq).Get("Strict-Transport-Security"); got != "max-age=86400; includeSubDomains" {
		t.Fatalf("HSTS = %q", got)
	}
	proxied := func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "HTTPS") }
	if got := serveSecured(t, SecurityOptions{EnableHSTS: true}, proxied).Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains" {
		t.Fatalf("default HSTS = %q", got)
	}
}

func TestSecurityHeaders_ExposesRequestID(t *testing.T) {
	h := serveSecured(t, SecurityOptions{}, nil, RequestID())
	if got := h.Get("Access-Control-Expose-Headers"); got != requestIDHeader {
		t.Fatalf("expose = %q", got)
	}
}

func TestExposeHeader(t *testing.T) {
	cases := []struct{ cur, want string }{
		{"", "X-Request-ID"},
		{"Foo", "Foo, X-Request-ID"},
		{"x-request-id, Foo", "x-request-id, Foo"},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.cur != "" {
			h.Set("Access-Control-Expose-Headers", tc.cur)
		}
		exposeHeader(h, "X-Request-ID")
		if got := h.Get("Access-Control-Expose-Headers"); got != tc.want {
			t.Fatalf("cur %q -> %q; want %q", tc.cur, got, tc.want)
		}
	}
}
