// Package config provides agent configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// backend endpoints, request resilience, client-side storage, geolocation,
// the local control API, logging, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the local API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "helpbudy-patient")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig holds connection settings for the redis storage backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RateLimitConfig tunes the client-side cooldown applied after HTTP 429.
type RateLimitConfig struct {
	DefaultWait time.Duration // used when Retry-After is absent
	MaxWait     time.Duration // cap on a single cooldown
	MaxFactor   int           // cap on the exponential multiplier
	Window      time.Duration // 429s closer than this count as consecutive
	MaxJitter   time.Duration // upper bound of the random delay added to a cooldown wait
}

// GeoConfig selects and tunes the location provider.
type GeoConfig struct {
	Provider         string  // static|geoip
	GeoIPDBPath      string  // MaxMind GeoLite2-City.mmdb
	PublicIP         string  // address looked up by the geoip provider
	StaticLat        float64 // coordinates served by the static provider
	StaticLng        float64
	StaticAccuracy   float64       // meters
	UpdateInterval   time.Duration // minimum spacing between forwarded samples
	OneShotTimeout   time.Duration // "where am I now" deadline
	WatchTimeout     time.Duration // initial per-attempt deadline in tracking mode
	MaxWatchTimeout  time.Duration
	RetryBase        time.Duration
	MaxRetryAttempts int
}

// Config holds all configuration values for the agent.
type Config struct {
	// Backend
	APIBaseURL       string        // REST origin incl. base path, e.g. http://localhost:5000/api
	SocketURL        string        // websocket origin, namespaces are appended
	HTTPTimeout      time.Duration // per-request deadline
	CacheTTL         time.Duration // GET response cache
	IdentityCacheTTL time.Duration // GET /auth/me cache
	RateLimit        RateLimitConfig

	// Local control API
	ListenAddr        string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test
	RateRPS           float64
	RateBurst         int
	CORS              CORSConfig
	Security          SecurityConfig

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Storage
	StorageBackend string // memory|sqlite|redis
	DBPath         string
	Redis          RedisConfig

	// Geolocation
	Geo GeoConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Backend
		APIBaseURL:       normalizeURL(getenv("API_BASE_URL", "http://localhost:5000/api")),
		SocketURL:        normalizeURL(getenv("SOCKET_URL", "ws://localhost:5000")),
		HTTPTimeout:      getdur("HTTP_TIMEOUT", 20*time.Second),
		CacheTTL:         getdur("CACHE_TTL", 3*time.Second),
		IdentityCacheTTL: getdur("IDENTITY_CACHE_TTL", 5*time.Second),
		RateLimit: RateLimitConfig{
			DefaultWait: getdur("RATE_LIMIT_DEFAULT_WAIT", 5*time.Second),
			MaxWait:     getdur("RATE_LIMIT_MAX_WAIT", 30*time.Second),
			MaxFactor:   getint("RATE_LIMIT_MAX_FACTOR", 8),
			Window:      getdur("RATE_LIMIT_WINDOW", 60*time.Second),
			MaxJitter:   getdur("RATE_LIMIT_MAX_JITTER", 250*time.Millisecond),
		},

		// Local control API
		ListenAddr:        getenv("LISTEN_ADDR", "127.0.0.1:7420"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		RateRPS:           getfloat("RATE_RPS", 10.0),
		RateBurst:         getint("RATE_BURST", 20),
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		StorageBackend: strings.ToLower(getenv("STORAGE_BACKEND", "sqlite")),
		DBPath:         getenv("DB_PATH", "helpbudy.db"),
		Redis: RedisConfig{
			Addr:      getenv("REDIS_ADDR", "localhost:6379"),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getint("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "helpbudy:"),
		},

		// Geolocation
		Geo: GeoConfig{
			Provider:         strings.ToLower(getenv("GEO_PROVIDER", "static")),
			GeoIPDBPath:      getenv("GEOIP_DB_PATH", ""),
			PublicIP:         getenv("GEO_PUBLIC_IP", ""),
			StaticLat:        getfloat("GEO_STATIC_LAT", 0),
			StaticLng:        getfloat("GEO_STATIC_LNG", 0),
			StaticAccuracy:   getfloat("GEO_STATIC_ACCURACY", 25),
			UpdateInterval:   getdur("LOCATION_UPDATE_INTERVAL", 5*time.Second),
			OneShotTimeout:   getdur("GEO_ONESHOT_TIMEOUT", 10*time.Second),
			WatchTimeout:     getdur("GEO_WATCH_TIMEOUT", 30*time.Second),
			MaxWatchTimeout:  getdur("GEO_MAX_WATCH_TIMEOUT", 120*time.Second),
			RetryBase:        getdur("GEO_RETRY_BASE", 3*time.Second),
			MaxRetryAttempts: getint("GEO_MAX_RETRIES", 5),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "helpbudy-patient"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if !hasScheme(cfg.APIBaseURL, "http://", "https://") {
		return cfg, errors.New("API_BASE_URL must be an http(s) URL")
	}
	if !hasScheme(cfg.SocketURL, "ws://", "wss://") {
		return cfg, errors.New("SOCKET_URL must be a ws(s) URL")
	}
	if cfg.HTTPTimeout <= 0 {
		return cfg, errors.New("HTTP_TIMEOUT must be > 0")
	}
	if cfg.CacheTTL < 0 || cfg.IdentityCacheTTL < 0 {
		return cfg, errors.New("cache TTLs must be >= 0")
	}
	if cfg.RateLimit.DefaultWait <= 0 || cfg.RateLimit.MaxWait < cfg.RateLimit.DefaultWait {
		return cfg, errors.New("RATE_LIMIT_MAX_WAIT must be >= RATE_LIMIT_DEFAULT_WAIT > 0")
	}
	if cfg.RateLimit.MaxFactor < 1 {
		return cfg, errors.New("RATE_LIMIT_MAX_FACTOR must be >= 1")
	}
	if cfg.RateLimit.Window <= 0 {
		return cfg, errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if cfg.RateLimit.MaxJitter <= 0 {
		return cfg, errors.New("RATE_LIMIT_MAX_JITTER must be > 0")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return cfg, errors.New("LISTEN_ADDR must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	switch cfg.StorageBackend {
	case "memory", "redis":
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	default:
		return cfg, errors.New("STORAGE_BACKEND must be one of: memory, sqlite, redis")
	}
	switch cfg.Geo.Provider {
	case "static":
	case "geoip":
		if strings.TrimSpace(cfg.Geo.GeoIPDBPath) == "" {
			return cfg, errors.New("GEOIP_DB_PATH is required with GEO_PROVIDER=geoip")
		}
	default:
		return cfg, errors.New("GEO_PROVIDER must be one of: static, geoip")
	}
	if cfg.Geo.StaticLat < -90 || cfg.Geo.StaticLat > 90 || cfg.Geo.StaticLng < -180 || cfg.Geo.StaticLng > 180 {
		return cfg, errors.New("GEO_STATIC_LAT/GEO_STATIC_LNG out of range")
	}
	if cfg.Geo.UpdateInterval <= 0 {
		return cfg, errors.New("LOCATION_UPDATE_INTERVAL must be > 0")
	}
	if cfg.Geo.OneShotTimeout <= 0 || cfg.Geo.WatchTimeout <= 0 || cfg.Geo.MaxWatchTimeout < cfg.Geo.WatchTimeout {
		return cfg, errors.New("geolocation timeouts must be positive and GEO_MAX_WATCH_TIMEOUT >= GEO_WATCH_TIMEOUT")
	}
	if cfg.Geo.RetryBase <= 0 || cfg.Geo.MaxRetryAttempts < 0 {
		return cfg, errors.New("GEO_RETRY_BASE must be > 0 and GEO_MAX_RETRIES >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeURL trims whitespace and trailing slashes so paths can be appended.
func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func hasScheme(u string, schemes ...string) bool {
	low := strings.ToLower(u)
	for _, s := range schemes {
		if strings.HasPrefix(low, s) && len(low) > len(s) {
			return true
		}
	}
	return false
}
