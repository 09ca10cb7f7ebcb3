// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, broker wiring, and the
// reliability knobs (retry budgets, backoff, idempotency TTLs).
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// NATSConfig defines the broker connection. When disabled, events are
// logged instead of published and saga commands cannot be dispatched to
// remote services (in-process handlers still work).
type NATSConfig struct {
	Enabled       bool   // NATS_ENABLED
	URL           string // NATS_URL (e.g. nats://localhost:4222)
	EventPrefix   string // NATS_EVENT_PREFIX, subject prefix for events
	CommandPrefix string // NATS_COMMAND_PREFIX, subject prefix for step commands
}

// DeadLetterConfig defines the retry policy for captured events.
type DeadLetterConfig struct {
	MaxRetries    int           // DLQ_MAX_RETRIES
	BaseBackoff   time.Duration // DLQ_BASE_BACKOFF (first retry delay)
	MaxBackoff    time.Duration // DLQ_MAX_BACKOFF (backoff ceiling)
	DrainInterval time.Duration // DLQ_DRAIN_INTERVAL (drain loop period)
}

// IdempotencyConfig defines the record lifecycle of the idempotency guard.
type IdempotencyConfig struct {
	DefaultTTL        time.Duration // IDEMPOTENCY_TTL, clamped to [MinTTL, MaxTTL]
	MinTTL            time.Duration // IDEMPOTENCY_MIN_TTL
	MaxTTL            time.Duration // IDEMPOTENCY_MAX_TTL
	ProcessingTimeout time.Duration // IDEMPOTENCY_PROCESSING_TIMEOUT
}

// SagaConfig defines orchestrator behavior.
type SagaConfig struct {
	CompensationRetries int           // SAGA_COMPENSATION_RETRIES
	StallAfter          time.Duration // SAGA_STALL_AFTER (recovery sweep cutoff)
	SweepInterval       time.Duration // SAGA_SWEEP_INTERVAL
}

// WorkerConfig sizes the shared background worker pool.
type WorkerConfig struct {
	PoolSize  int // WORKER_POOL_SIZE
	QueueSize int // WORKER_QUEUE_SIZE
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

	// App
	DBPath string // SQLite path

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS CORSConfig

	// Reliability
	DeadLetter  DeadLetterConfig
	Idempotency IdempotencyConfig
	Saga        SagaConfig
	Workers     WorkerConfig

	// Broker
	NATS NATSConfig

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

		// App
		DBPath: getenv("DB_PATH", "app.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 25.0),
		RateBurst: getint("RATE_BURST", 50),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Reliability
		DeadLetter: DeadLetterConfig{
			MaxRetries:    getint("DLQ_MAX_RETRIES", 5),
			BaseBackoff:   getdur("DLQ_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:    getdur("DLQ_MAX_BACKOFF", 30*time.Minute),
			DrainInterval: getdur("DLQ_DRAIN_INTERVAL", time.Minute),
		},
		Idempotency: IdempotencyConfig{
			DefaultTTL:        getdur("IDEMPOTENCY_TTL", 24*time.Hour),
			MinTTL:            getdur("IDEMPOTENCY_MIN_TTL", time.Minute),
			MaxTTL:            getdur("IDEMPOTENCY_MAX_TTL", 7*24*time.Hour),
			ProcessingTimeout: getdur("IDEMPOTENCY_PROCESSING_TIMEOUT", 30*time.Second),
		},
		Saga: SagaConfig{
			CompensationRetries: getint("SAGA_COMPENSATION_RETRIES", 3),
			StallAfter:          getdur("SAGA_STALL_AFTER", 5*time.Minute),
			SweepInterval:       getdur("SAGA_SWEEP_INTERVAL", time.Minute),
		},
		Workers: WorkerConfig{
			PoolSize:  getint("WORKER_POOL_SIZE", 8),
			QueueSize: getint("WORKER_QUEUE_SIZE", 256),
		},

		// Broker
		NATS: NATSConfig{
			Enabled:       getbool("NATS_ENABLED", false),
			URL:           getenv("NATS_URL", "nats://localhost:4222"),
			EventPrefix:   getenv("NATS_EVENT_PREFIX", "events"),
			CommandPrefix: getenv("NATS_COMMAND_PREFIX", "commands"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-reliability-backend"),
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
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.DeadLetter.MaxRetries < 1 {
		return cfg, errors.New("DLQ_MAX_RETRIES must be >= 1")
	}
	if cfg.DeadLetter.BaseBackoff <= 0 || cfg.DeadLetter.MaxBackoff < cfg.DeadLetter.BaseBackoff {
		return cfg, errors.New("DLQ backoff window is invalid (base > 0, max >= base)")
	}
	if cfg.DeadLetter.DrainInterval <= 0 {
		return cfg, errors.New("DLQ_DRAIN_INTERVAL must be > 0")
	}
	if cfg.Idempotency.DefaultTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Idempotency.MinTTL <= 0 || cfg.Idempotency.MaxTTL < cfg.Idempotency.MinTTL {
		return cfg, errors.New("idempotency TTL window is invalid (min > 0, max >= min)")
	}
	if cfg.Idempotency.ProcessingTimeout <= 0 {
		return cfg, errors.New("IDEMPOTENCY_PROCESSING_TIMEOUT must be > 0")
	}
	if cfg.Saga.CompensationRetries < 0 {
		return cfg, errors.New("SAGA_COMPENSATION_RETRIES must be >= 0")
	}
	if cfg.Saga.StallAfter <= 0 || cfg.Saga.SweepInterval <= 0 {
		return cfg, errors.New("saga sweep settings must be positive durations")
	}
	if cfg.Workers.PoolSize < 1 || cfg.Workers.QueueSize < 1 {
		return cfg, errors.New("worker pool settings must be >= 1")
	}
	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return cfg, errors.New("NATS_URL must not be empty when NATS_ENABLED")
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
