// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all gateway configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Credential vault
	VaultPath          string `env:"VAULT_PATH" envDefault:"configs/accounts.enc"`
	VaultSecret        string `env:"VAULT_SECRET"`
	VaultKDFIterations int    `env:"VAULT_KDF_ITERATIONS" envDefault:"100000"`
	VaultWatch         bool   `env:"VAULT_WATCH" envDefault:"true"`

	// Circuit breaker (per account)
	BreakerFailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	BreakerRecoveryTimeout   time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
	BreakerSuccessThreshold  int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerTimeWindow        time.Duration `env:"BREAKER_TIME_WINDOW" envDefault:"10m"`
	BreakerMaxBackoff        time.Duration `env:"BREAKER_MAX_BACKOFF" envDefault:"5m"`
	BreakerBackoffMultiplier float64       `env:"BREAKER_BACKOFF_MULTIPLIER" envDefault:"2.0"`

	// Connection pool (per account)
	PoolMinSize             int           `env:"POOL_MIN_SIZE" envDefault:"2"`
	PoolMaxSize             int           `env:"POOL_MAX_SIZE" envDefault:"15"`
	PoolConnectionTimeout   time.Duration `env:"POOL_CONNECTION_TIMEOUT" envDefault:"10s"`
	PoolHealthCheckInterval time.Duration `env:"POOL_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	PoolHealthCheckTimeout  time.Duration `env:"POOL_HEALTH_CHECK_TIMEOUT" envDefault:"5s"`
	PoolMaxIdleTime         time.Duration `env:"POOL_MAX_IDLE_TIME" envDefault:"10m"`

	// Health monitor
	HealthCheckInterval        time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	HealthProbeTimeout         time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"1s"`
	HealthDegradedScore        float64       `env:"HEALTH_DEGRADED_SCORE" envDefault:"70"`
	HealthCriticalScore        float64       `env:"HEALTH_CRITICAL_SCORE" envDefault:"30"`
	HealthMaxFailureRate       float64       `env:"HEALTH_MAX_FAILURE_RATE" envDefault:"0.2"`
	HealthMinAvailableAccounts int           `env:"HEALTH_MIN_AVAILABLE_ACCOUNTS" envDefault:"1"`

	// Ticket scheduler
	SchedulerMaxConcurrent   int           `env:"SCHEDULER_MAX_CONCURRENT" envDefault:"5"`
	SchedulerQueueCapacity   int           `env:"SCHEDULER_QUEUE_CAPACITY" envDefault:"1000"`
	SchedulerTicketRetention time.Duration `env:"SCHEDULER_TICKET_RETENTION" envDefault:"1h"`
	SchedulerSweepInterval   time.Duration `env:"SCHEDULER_SWEEP_INTERVAL" envDefault:"60s"`

	// Event ingest queue
	EventQueuePath       string        `env:"EVENT_QUEUE_PATH" envDefault:"data/events/events.ndjson"`
	EventQueueMaxSize    int64         `env:"EVENT_QUEUE_MAX_SIZE" envDefault:"10485760"`
	EventQueueMaxAge     time.Duration `env:"EVENT_QUEUE_MAX_AGE" envDefault:"1h"`
	EventQueueMaxEvents  int64         `env:"EVENT_QUEUE_MAX_EVENTS" envDefault:"100000"`
	EventQueueDedup      bool          `env:"EVENT_QUEUE_DEDUP" envDefault:"true"`
	EventQueueSyncWrites bool          `env:"EVENT_QUEUE_SYNC_WRITES" envDefault:"false"`

	// Insight store
	InsightSweepInterval time.Duration `env:"INSIGHT_SWEEP_INTERVAL" envDefault:"5m"`

	// SQL template catalog
	TemplatesPath string `env:"TEMPLATES_PATH" envDefault:"configs/templates.yaml"`

	// Warehouse driver ("pgwire" for real connections, "stub" for dev)
	WarehouseDriver string `env:"WAREHOUSE_DRIVER" envDefault:"pgwire"`

	// File-ready notifications (empty broker list disables publishing)
	KafkaBrokers        []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:""`
	KafkaFileReadyTopic string   `env:"KAFKA_FILE_READY_TOPIC" envDefault:"gateway.file-ready"`

	// Context cache (empty URL disables)
	RedisURL        string        `env:"REDIS_URL"`
	ContextCacheTTL time.Duration `env:"CONTEXT_CACHE_TTL" envDefault:"5m"`

	// Ops HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Telemetry
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"warehouse-gateway"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// NotifyEnabled reports whether file-ready notifications are configured.
func (c Config) NotifyEnabled() bool { return len(c.KafkaBrokers) > 0 }

// CacheEnabled reports whether the context cache is configured.
func (c Config) CacheEnabled() bool { return c.RedisURL != "" }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
