package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/helpbudy-patient/internal/http/middleware"
)

// envelopeRouter wires the real request id and logging middleware in front
// of a single handler and captures the log stream.
func envelopeRouter(t *testing.T, method, path string, h gin.HandlerFunc) (*gin.Engine, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger())
	r.Handle(method, path, h)
	return r, &buf
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return er
}

func TestFail_ServerErrorCarriesRequestIDAndIsLogged(t *testing.T) {
	r, buf := envelopeRouter(t, http.MethodPost, "/services", func(c *gin.Context) {
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "backend unavailable")
	})

	req := httptest.NewRequest(http.MethodPost, "/services", nil)
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	er := decodeEnvelope(t, w)
	if er.RequestID != "req-7" || er.Code != ErrCodeUpstream || er.Message != "backend unavailable" {
		t.Fatalf("envelope = %+v", er)
	}
	logs := buf.String()
	if !strings.Contains(logs, `"message":"api error"`) || !strings.Contains(logs, `"request_id":"req-7"`) {
		t.Fatalf("5xx not logged with request id: %s", logs)
	}
}

func TestFail_ClientErrorIsNotLoggedAsAPIError(t *testing.T) {
	r, buf := envelopeRouter(t, http.MethodPost, "/rate", func(c *gin.Context) {
		Fail(c, http.StatusConflict, ErrCodeConflict, "service already rated")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rate", nil))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	er := decodeEnvelope(t, w)
	if er.RequestID == "" || er.RequestID != w.Header().Get("X-Request-ID") {
		t.Fatalf("request id %q does not match header %q", er.RequestID, w.Header().Get("X-Request-ID"))
	}
	if er.Code != ErrCodeConflict {
		t.Fatalf("code = %q", er.Code)
	}
	if strings.Contains(buf.String(), `"message":"api error"`) {
		t.Fatalf("4xx must only appear in the access log: %s", buf.String())
	}
}

func TestOkAndNoContent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/state", func(c *gin.Context) { ok(c, http.StatusOK, AgentState{Realtime: "connected", TypingUsers: []string{}}) })
	r.POST("/read", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))
	var st AgentState
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || w.Code != http.StatusOK || st.Realtime != "connected" {
		t.Fatalf("ok: %d %s (%v)", w.Code, w.Body.String(), err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/read", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}
