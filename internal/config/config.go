// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"readings-service/internal/entity"
	"readings-service/internal/fingerprint"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	DispatchRedis = "redis"
	DispatchAMQP  = "amqp"
	DispatchLocal = "local"
)

type Config struct {
	Store     StoreConfig
	Dispatch  DispatchConfig
	HTTP      HTTPConfig
	Worker    WorkerConfig
	Shepherd  ShepherdConfig
	Extractor ExtractorConfig
	Log       LogConfig
}

type StoreConfig struct {
	Driver      string
	PostgresDSN string
	SQLitePath  string
}

type DispatchConfig struct {
	Driver        string
	RedisAddr     string
	QueueKey      string
	ProcessingKey string
	AMQPURL       string
	AMQPQueue     string
	AMQPPrefetch  int
	LocalBuffer   int
	// SweepEvery is how often the worker drops Redis hand-offs older than
	// the shepherd's staleness window.
	SweepEvery time.Duration
}

type HTTPConfig struct {
	Addr           string
	AdminTokenHash string
}

type WorkerConfig struct {
	Workers           int
	HeartbeatInterval time.Duration
	CriticalFields    []string
	InputBaseDir      string
}

type ShepherdConfig struct {
	Schedule            string
	MaxRetries          int
	DispatchBatch       int
	DispatchConcurrency int
	DispatchTimeout     time.Duration
	AuditBatch          int
	StaleAfter          time.Duration
	Retention           time.Duration
	FailureThreshold    int
	BreakerCooldown     time.Duration
}

type ExtractorConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads a .env file when present and then the environment. The
// environment wins over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store: StoreConfig{
			Driver:      envOr("STORE_DRIVER", StorePostgres),
			PostgresDSN: envOr("POSTGRES_DSN", ""),
			SQLitePath:  envOr("SQLITE_PATH", "data/readings.db"),
		},
		Dispatch: DispatchConfig{
			Driver:        envOr("DISPATCH_DRIVER", DispatchRedis),
			RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
			QueueKey:      envOr("REDIS_QUEUE_KEY", "jobs:queue"),
			ProcessingKey: envOr("REDIS_PROCESSING_KEY", "jobs:processing"),
			AMQPURL:       envOr("AMQP_URL", ""),
			AMQPQueue:     envOr("AMQP_QUEUE", "readings.jobs"),
			AMQPPrefetch:  envIntOr("AMQP_PREFETCH", 4),
			LocalBuffer:   envIntOr("LOCAL_BUFFER", 64),
			SweepEvery:    envDurationOr("SWEEP_EVERY", 30*time.Second),
		},
		HTTP: HTTPConfig{
			Addr:           envOr("HTTP_ADDR", ":8080"),
			AdminTokenHash: envOr("ADMIN_TOKEN_HASH", ""),
		},
		Worker: WorkerConfig{
			Workers:           envIntOr("WORKERS", 4),
			HeartbeatInterval: envDurationOr("HEARTBEAT_INTERVAL", 30*time.Second),
			CriticalFields:    envListOr("CRITICAL_FIELDS", fingerprint.DefaultCritical),
			InputBaseDir:      envOr("INPUT_BASE_DIR", ""),
		},
		Shepherd: ShepherdConfig{
			Schedule:            envOr("SHEPHERD_SCHEDULE", "@every 1m"),
			MaxRetries:          envIntOr("MAX_RETRIES", 2),
			DispatchBatch:       envIntOr("DISPATCH_BATCH", 5),
			DispatchConcurrency: envIntOr("DISPATCH_CONCURRENCY", 5),
			DispatchTimeout:     envDurationOr("DISPATCH_TIMEOUT", 10*time.Second),
			AuditBatch:          envIntOr("AUDIT_BATCH", 50),
			StaleAfter:          envDurationOr("STALE_AFTER", 5*time.Minute),
			Retention:           envDurationOr("RETENTION", 168*time.Hour),
			FailureThreshold:    envIntOr("FAILURE_THRESHOLD", 3),
			BreakerCooldown:     envDurationOr("BREAKER_COOLDOWN", 15*time.Minute),
		},
		Extractor: ExtractorConfig{
			URL:     envOr("EXTRACTOR_URL", ""),
			Token:   envOr("EXTRACTOR_TOKEN", ""),
			Timeout: envDurationOr("EXTRACTOR_TIMEOUT", 45*time.Second),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks what every binary needs. Binary-specific requirements
// (the extractor for workers) are checked by the binary.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return invalid("POSTGRES_DSN is required for STORE_DRIVER=postgres")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return invalid("SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	case StoreMemory:
	default:
		return invalid("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Dispatch.Driver {
	case DispatchRedis:
		if c.Dispatch.RedisAddr == "" {
			return invalid("REDIS_ADDR is required for DISPATCH_DRIVER=redis")
		}
	case DispatchAMQP:
		if c.Dispatch.AMQPURL == "" {
			return invalid("AMQP_URL is required for DISPATCH_DRIVER=amqp")
		}
	case DispatchLocal:
	default:
		return invalid("unknown DISPATCH_DRIVER %q", c.Dispatch.Driver)
	}

	if c.Worker.Workers <= 0 {
		return invalid("WORKERS must be positive")
	}
	if c.Shepherd.MaxRetries < 0 {
		return invalid("MAX_RETRIES must not be negative")
	}
	if c.Shepherd.DispatchBatch <= 0 || c.Shepherd.AuditBatch <= 0 {
		return invalid("DISPATCH_BATCH and AUDIT_BATCH must be positive")
	}
	if c.Shepherd.FailureThreshold <= 0 {
		return invalid("FAILURE_THRESHOLD must be positive")
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Shepherd.StaleAfter <= c.Worker.HeartbeatInterval {
		return invalid("STALE_AFTER must exceed HEARTBEAT_INTERVAL")
	}
	return nil
}

// ValidateWorker adds what a worker process needs on top of Validate.
func (c *Config) ValidateWorker() error {
	if c.Extractor.URL == "" {
		return invalid("EXTRACTOR_URL is required")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %w: %s", entity.ErrInvalidInput, fmt.Sprintf(format, args...))
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password of a URL-style DSN: user:pass@ -> user:****@.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envListOr(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
