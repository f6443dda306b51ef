// Package config provides centralized configuration management for the import service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Session  SessionConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
	Metrics  MetricsConfig
	Archive  ArchiveConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 120s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"120s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 2m)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"2m"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// Driver selects the component store: postgres or memory (default: postgres)
	Driver string `env:"STORE_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds pipeline settings for parsing, validation and commit.
type ImportConfig struct {
	// MaxFileSize is the maximum accepted upload in bytes (default: 50MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"52428800"`

	// MaxRows is the maximum number of decoded data rows per file (default: 50000)
	MaxRows int `env:"IMPORT_MAX_ROWS" default:"50000"`

	// SubBatchSize is the number of rows committed per transaction (default: 500)
	SubBatchSize int `env:"IMPORT_SUB_BATCH_SIZE" default:"500"`

	// PreviewRows is how many leading rows are returned with a preview (default: 50)
	PreviewRows int `env:"IMPORT_PREVIEW_ROWS" default:"50"`

	// SoftBudget is how long Upload waits before answering "processing" (default: 5s)
	SoftBudget time.Duration `env:"IMPORT_SOFT_BUDGET" default:"5s"`

	// ProcessTimeout bounds background parse/map/validate work (default: 5m)
	ProcessTimeout time.Duration `env:"IMPORT_PROCESS_TIMEOUT" default:"5m"`

	// SubBatchTimeout is the hard limit for one sub-batch transaction (default: 60s)
	SubBatchTimeout time.Duration `env:"IMPORT_SUB_BATCH_TIMEOUT" default:"60s"`

	// MaxConcurrent is the maximum number of parallel import jobs (default: 5)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an import slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" envAlt:"IMPORT_MAX_WAIT" default:"30s"`

	// ValidateWorkers is the number of goroutines validating rows (default: 4)
	ValidateWorkers int `env:"IMPORT_VALIDATE_WORKERS" default:"4"`

	// FuzzyThreshold is the token-overlap ratio a fuzzy header match must exceed (default: 0.8)
	FuzzyThreshold float64 `env:"IMPORT_FUZZY_THRESHOLD" default:"0.8"`

	// AliasFile optionally replaces the built-in header alias table (YAML)
	AliasFile string `env:"IMPORT_ALIAS_FILE"`

	// LockAttempts is how many times a locked drawing is retried (default: 5)
	LockAttempts int `env:"IMPORT_LOCK_ATTEMPTS" default:"5"`

	// LockBackoff is the initial wait between lock attempts (default: 100ms)
	LockBackoff time.Duration `env:"IMPORT_LOCK_BACKOFF" default:"100ms"`
}

// SessionConfig holds import session store settings.
type SessionConfig struct {
	// Driver selects the session store: memory or redis (default: memory)
	Driver string `env:"SESSION_DRIVER" default:"memory"`

	// TTL is how long a staged import batch lives (default: 24h)
	TTL time.Duration `env:"SESSION_TTL" default:"24h"`

	// SweepInterval is how often the memory store evicts expired batches (default: 10m)
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" default:"10m"`
}

// RedisConfig holds Redis connection settings for the session store.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`

	// DialTimeout bounds the initial connection and ping (default: 5s)
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" default:"5s"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// RequireAPIKey rejects requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: console or json (default: json)
	Format string `env:"LOG_FORMAT" default:"json"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `env:"TRACING_ENABLED" default:"false"`
	ServiceName string  `env:"TRACING_SERVICE_NAME" default:"pipeimport"`
	SampleRatio float64 `env:"TRACING_SAMPLE_RATIO" default:"1.0"`

	// OTLPEndpoint sends spans over OTLP/HTTP; empty means stdout export
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled exposes /metrics (default: true)
	Enabled bool `env:"METRICS_ENABLED" default:"true"`
}

// ArchiveConfig holds settings for archiving uploaded source files to S3.
type ArchiveConfig struct {
	Enabled bool   `env:"ARCHIVE_ENABLED" default:"false"`
	Bucket  string `env:"ARCHIVE_BUCKET"`
	Prefix  string `env:"ARCHIVE_PREFIX" default:"imports/"`
	Region  string `env:"ARCHIVE_REGION" default:"us-east-1"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores (MinIO etc.)
	Endpoint string `env:"ARCHIVE_ENDPOINT"`

	AccessKeyID     string `env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_SECRET_ACCESS_KEY"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
