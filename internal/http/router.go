// Package httpapi mounts the local control API: middleware, fallbacks,
// health and metrics endpoints, and the /api routes the UI shell drives.
//
// Middleware order:
//  1. otelgin (trace everything)
//  2. RequestID
//  3. Logger (scrubbed query strings)
//  4. Recovery
//  5. body size limit
//  6. gzip
//  7. Metrics, then /metrics
//  8. rate limiter (per client IP; /health and /metrics exempt)
//  9. CORS and security headers
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/helpbudy-patient/internal/config"
	"github.com/tbourn/helpbudy-patient/internal/http/handlers"
	"github.com/tbourn/helpbudy-patient/internal/http/middleware"
)

// maxBodyBytes leaves headroom above the 10 MiB attachment cap for the
// multipart envelope.
const maxBodyBytes = 12 << 20

const (
	healthPath  = "/health"
	metricsPath = "/metrics"
)

// RegisterRoutes attaches middleware and endpoints to r.
func RegisterRoutes(r *gin.Engine, h *handlers.Handlers, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LoggerOptions{
		SkipPaths: []string{healthPath, metricsPath},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{metricsPath})))

	r.Use(middleware.Metrics())
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP(), healthPath, metricsPath)
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		BrowserPolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET(healthPath, func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		api.GET("/state", h.State)
		api.GET("/location", h.Location)

		auth := api.Group("/auth")
		auth.POST("/otp", h.RequestOTP)
		auth.POST("/verify", h.VerifyOTP)
		auth.GET("/me", h.Me)
		auth.POST("/logout", h.Logout)

		svc := api.Group("/services")
		svc.POST("", h.CreateService)
		svc.GET("/active", h.ActiveService)
		svc.POST("/active/cancel", h.CancelService)
		svc.POST("/active/pay", h.PayService)
		svc.POST("/active/rate", h.RateService)
		svc.GET("/history", h.ServiceHistory)

		chat := api.Group("/chat")
		chat.GET("/messages", h.ListMessages)
		chat.POST("/messages", h.PostMessage)
		chat.POST("/read", h.MarkRead)
		chat.POST("/typing", h.Typing)
	}
}

// corsMiddleware allows any origin when the allow-list is empty. The agent
// binds to loopback by default, so the open posture only reaches local pages.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Retry-After", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody caps request bodies; reads past maxBytes fail downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
