package api

import (
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// apiReqs counts outbound attempts by method, path template and status
	// ("0" when no response was received).
	apiReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpbudy_api_requests_total",
			Help: "Outbound REST requests sent to the backend.",
		},
		[]string{"method", "path", "status"},
	)

	apiLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helpbudy_api_request_duration_seconds",
			Help:    "Latency of outbound REST requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	apiCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helpbudy_api_cache_hits_total",
		Help: "GET calls answered from the response cache.",
	})

	apiSharedCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helpbudy_api_inflight_shared_total",
		Help: "GET calls that joined an identical in-flight request.",
	})

	apiRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpbudy_api_token_refresh_total",
			Help: "Access token refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	apiCooldowns = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "helpbudy_api_rate_limit_cooldown_seconds",
		Help:    "Cooldowns imposed after HTTP 429.",
		Buckets: []float64{1, 2, 5, 10, 20, 30},
	})
)

func init() {
	prometheus.MustRegister(apiReqs, apiLat, apiCacheHits, apiSharedCalls, apiRefreshes, apiCooldowns)
}

// pathTemplate collapses id-like segments so label cardinality stays bounded,
// e.g. /services/42/cancel -> /services/:id/cancel.
func pathTemplate(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if len(s) >= 20 {
		return true
	}
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
