// Package config loads router and agent configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds routerd configuration.
type Config struct {
	HTTPAddr   string `envconfig:"CONDUIT_HTTP_ADDR" default:":8080"`
	Secret     string `envconfig:"ROUTING_SECRET"`
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// Store endpoints. DATABASE_URL empty = cache-only idempotency store,
	// in-memory dead letters. REDIS_ADDR empty = in-memory cache.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	// NATS request/reply surface. Disabled when NATS_URL is empty.
	NATSURL     string `envconfig:"NATS_URL"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"conduit.route"`

	// Kafka dispatch-event export. Disabled when KAFKA_BROKERS is empty.
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"conduit.dispatches"`

	RateLimitEnabled bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	SourceRateLimit  int           `envconfig:"SOURCE_RATE_LIMIT" default:"120"`
	RateLimitWindow  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	DispatchTimeout  time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s"`
	DispatchAttempts int           `envconfig:"DISPATCH_ATTEMPTS" default:"3"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	InFlightTTL      time.Duration `envconfig:"IN_FLIGHT_TTL" default:"2m"`
	WaitInFlight     time.Duration `envconfig:"WAIT_IN_FLIGHT" default:"2s"`

	// Extra payload schema files, one <action>.json per file.
	SchemaDir string `envconfig:"SCHEMA_DIR"`

	// Dead-letter sweep. Disabled when the interval is zero.
	SweepInterval time.Duration `envconfig:"DEADLETTER_SWEEP_INTERVAL"`
	SweepBatch    int           `envconfig:"DEADLETTER_SWEEP_BATCH" default:"50"`

	// Redact captured content on dead-letter read endpoints.
	RedactReads bool   `envconfig:"DEADLETTER_REDACT" default:"false"`
	RedactSalt  string `envconfig:"DEADLETTER_HASH_SALT"`

	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	Environment        string `envconfig:"ENVIRONMENT"`
	StrictProdSecurity bool   `envconfig:"STRICT_PROD_SECURITY" default:"true"`
	DatabaseRequireTLS bool   `envconfig:"DATABASE_REQUIRE_TLS" default:"false"`
	RedisRequireTLS    bool   `envconfig:"REDIS_REQUIRE_TLS" default:"false"`
	RedisTLSInsecure   bool   `envconfig:"REDIS_TLS_INSECURE" default:"false"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads routerd configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if c.Environment == "" {
		c.Environment = os.Getenv("APP_ENV")
	}
	return &c, nil
}

// Validate checks the values a running routerd depends on.
func (c *Config) Validate() error {
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("config: DISPATCH_TIMEOUT must be positive")
	}
	if c.DispatchAttempts < 1 {
		return fmt.Errorf("config: DISPATCH_ATTEMPTS must be at least 1")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("config: IDEMPOTENCY_TTL must be positive")
	}
	if c.InFlightTTL <= 0 {
		return fmt.Errorf("config: IN_FLIGHT_TTL must be positive")
	}
	if c.RateLimitEnabled {
		if c.SourceRateLimit < 1 {
			return fmt.Errorf("config: SOURCE_RATE_LIMIT must be at least 1")
		}
		if c.RateLimitWindow <= 0 {
			return fmt.Errorf("config: RATE_LIMIT_WINDOW must be positive")
		}
	}
	if c.SweepInterval > 0 && c.SweepBatch < 1 {
		return fmt.Errorf("config: DEADLETTER_SWEEP_BATCH must be at least 1")
	}
	return nil
}

// AgentConfig holds the capture agent's configuration.
type AgentConfig struct {
	HTTPAddr  string `envconfig:"AGENT_HTTP_ADDR" default:"127.0.0.1:8090"`
	RouterURL string `envconfig:"ROUTER_URL" default:"http://127.0.0.1:8080"`
	Secret    string `envconfig:"ROUTING_SECRET"`

	// Offline queue. QUEUE_PATH empty = in-memory queue (lost on restart).
	QueuePath     string        `envconfig:"QUEUE_PATH"`
	FlushInterval time.Duration `envconfig:"QUEUE_FLUSH_INTERVAL" default:"5m"`
	MaxEntries    int           `envconfig:"QUEUE_MAX_ENTRIES" default:"500"`
	MaxAge        time.Duration `envconfig:"QUEUE_MAX_AGE" default:"72h"`

	RequestTimeout time.Duration `envconfig:"AGENT_REQUEST_TIMEOUT" default:"30s"`

	// Origins allowed to call the local listener, typically the browser
	// extension's origin. Empty means same-origin callers only.
	AllowedOrigins []string `envconfig:"AGENT_CORS_ORIGINS"`

	// Subscribe to routerd's event stream and flush on reconnect.
	StreamReconnect bool `envconfig:"AGENT_STREAM_RECONNECT" default:"true"`
}

// LoadAgent reads agent configuration from the environment.
func LoadAgent() (*AgentConfig, error) {
	var c AgentConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values a running agent depends on.
func (c *AgentConfig) Validate() error {
	if c.RouterURL == "" {
		return fmt.Errorf("config: ROUTER_URL is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: QUEUE_FLUSH_INTERVAL must be positive")
	}
	if c.MaxEntries < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ENTRIES must be at least 1")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("config: QUEUE_MAX_AGE must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: AGENT_REQUEST_TIMEOUT must be positive")
	}
	return nil
}
