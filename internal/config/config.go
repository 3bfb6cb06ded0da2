// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, the feed store, the event bus and its optional
// broker, the redactor allowlist, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "agent-feed")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// FeedConfig holds feed store and feed service limits.
type FeedConfig struct {
	MaxContentRunes      int           // FEED_MAX_CONTENT_RUNES
	DefaultPageSize      int           // FEED_DEFAULT_PAGE_SIZE
	MaxPageSize          int           // FEED_MAX_PAGE_SIZE
	AutoPostWindow       time.Duration // AUTO_POST_WINDOW
	SignificantOps       []string      // SIGNIFICANT_OPERATIONS (CSV)
	RedactAllowlist      []string      // REDACT_ALLOWLIST (CSV)
	SearchWarmupPosts    int           // SEARCH_WARMUP_POSTS
	IdempotencyTTL       time.Duration // IDEMPOTENCY_TTL
	ImplicitChannelsOpen bool          // IMPLICIT_CHANNELS_PUBLIC
}

// BusConfig holds event bus and broker settings.
type BusConfig struct {
	BrokerURL            string        // BROKER_URL (empty = local-only)
	Namespace            string        // BROKER_NAMESPACE
	SendTimeout          time.Duration // BUS_SEND_TIMEOUT
	MaxConcurrentSends   int           // BUS_MAX_CONCURRENT_SENDS
	ReconnectMaxInterval time.Duration // BUS_RECONNECT_MAX_INTERVAL
	ReconnectMaxElapsed  time.Duration // BUS_RECONNECT_MAX_ELAPSED
	WSPingInterval       time.Duration // WS_PING_INTERVAL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Rate limiting (HTTP edge)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	CORS CORSConfig
	Feed FeedConfig
	Bus  BusConfig
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
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "agentfeed.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		Feed: FeedConfig{
			MaxContentRunes:      getint("FEED_MAX_CONTENT_RUNES", 4000),
			DefaultPageSize:      getint("FEED_DEFAULT_PAGE_SIZE", 20),
			MaxPageSize:          getint("FEED_MAX_PAGE_SIZE", 100),
			AutoPostWindow:       getdur("AUTO_POST_WINDOW", 5*time.Minute),
			SignificantOps:       splitCSV(getenv("SIGNIFICANT_OPERATIONS", "deploy,rollback,escalation,policy_violation,task_completed,task_failed")),
			RedactAllowlist:      splitCSV(getenv("REDACT_ALLOWLIST", "")),
			SearchWarmupPosts:    getint("SEARCH_WARMUP_POSTS", 1000),
			IdempotencyTTL:       getdur("IDEMPOTENCY_TTL", 24*time.Hour),
			ImplicitChannelsOpen: getbool("IMPLICIT_CHANNELS_PUBLIC", true),
		},

		Bus: BusConfig{
			BrokerURL:            getenv("BROKER_URL", ""),
			Namespace:            getenv("BROKER_NAMESPACE", "agent_events"),
			SendTimeout:          getdur("BUS_SEND_TIMEOUT", 5*time.Second),
			MaxConcurrentSends:   getint("BUS_MAX_CONCURRENT_SENDS", 64),
			ReconnectMaxInterval: getdur("BUS_RECONNECT_MAX_INTERVAL", 30*time.Second),
			ReconnectMaxElapsed:  getdur("BUS_RECONNECT_MAX_ELAPSED", 15*time.Minute),
			WSPingInterval:       getdur("WS_PING_INTERVAL", 30*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "agent-feed"),
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
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = "postgres"
	}
	cfg.Bus.Namespace = strings.TrimRight(strings.TrimSpace(cfg.Bus.Namespace), ":")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Feed.MaxContentRunes < 1 {
		return cfg, errors.New("FEED_MAX_CONTENT_RUNES must be >= 1")
	}
	if cfg.Feed.DefaultPageSize < 1 || cfg.Feed.MaxPageSize < cfg.Feed.DefaultPageSize {
		return cfg, errors.New("FEED_DEFAULT_PAGE_SIZE must be >= 1 and <= FEED_MAX_PAGE_SIZE")
	}
	if cfg.Feed.AutoPostWindow < 0 {
		return cfg, errors.New("AUTO_POST_WINDOW must be >= 0")
	}
	if cfg.Feed.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Bus.Namespace == "" {
		return cfg, errors.New("BROKER_NAMESPACE must not be empty")
	}
	if cfg.Bus.SendTimeout <= 0 {
		return cfg, errors.New("BUS_SEND_TIMEOUT must be > 0")
	}
	if cfg.Bus.MaxConcurrentSends < 1 {
		return cfg, errors.New("BUS_MAX_CONCURRENT_SENDS must be >= 1")
	}
	if cfg.Bus.ReconnectMaxInterval <= 0 || cfg.Bus.ReconnectMaxElapsed <= 0 {
		return cfg, errors.New("BUS_RECONNECT_MAX_INTERVAL and BUS_RECONNECT_MAX_ELAPSED must be > 0")
	}
	if cfg.Bus.WSPingInterval <= 0 {
		return cfg, errors.New("WS_PING_INTERVAL must be > 0")
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

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
