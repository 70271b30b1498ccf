package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the coordinator service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Queue       QueueConfig       `yaml:"queue"`
	Store       StoreConfig       `yaml:"store"`
	Records     RecordsConfig     `yaml:"records"`
	Notify      NotifyConfig      `yaml:"notify"`
	Agents      AgentsConfig      `yaml:"agents"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Temporal    TemporalConfig    `yaml:"temporal"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// StatsInterval is how often backend statistics are copied into metrics
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// AuthConfig configures API authentication. When disabled every route is open.
type AuthConfig struct {
	Enabled   bool           `yaml:"enabled"`
	JWTSecret string         `yaml:"jwt_secret"`
	TokenTTL  time.Duration  `yaml:"token_ttl"`
	APIKeys   []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig is one accepted API key. Hash is a bcrypt hash of the key,
// as printed by "orgcoordctl hash-key".
type APIKeyConfig struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
	Role string `yaml:"role"` // admin, operator, agent or viewer
}

// CoordinatorConfig holds the state machine's policy knobs
type CoordinatorConfig struct {
	LocatorTTL         time.Duration `yaml:"locator_ttl"`         // freshness of a discovered resource locator
	RetryCeiling       int           `yaml:"retry_ceiling"`       // consecutive failures before phase error
	HighValueThreshold int           `yaml:"highvalue_threshold"` // item score at or above which an artifact is generated
	ActorIdleTimeout   time.Duration `yaml:"actor_idle_timeout"`  // evict in-memory actors after this long without requests
	NotifyTimeout      time.Duration `yaml:"notify_timeout"`
}

// QueueConfig configures the task queue
type QueueConfig struct {
	Backend        string        `yaml:"backend"` // "memory" or "nats"
	URL            string        `yaml:"url"`
	StreamName     string        `yaml:"stream_name"`
	ConsumerPrefix string        `yaml:"consumer_prefix"`
	MaxDeliver     int           `yaml:"max_deliver"`
	AckWait        time.Duration `yaml:"ack_wait"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// StoreConfig configures coordinator state persistence
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "memory", "postgres" or "redis"
	DSN       string `yaml:"dsn"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RecordsConfig configures the system of record used to seed new coordinators
type RecordsConfig struct {
	Backend string `yaml:"backend"` // "postgres" or "file"
	DSN     string `yaml:"dsn"`
	Path    string `yaml:"path"`  // YAML file for the file backend
	Watch   bool   `yaml:"watch"` // reload the file on change

	// CacheTTL keeps postgres lookups in memory; zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// NotifyConfig configures completion side effects
type NotifyConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	Timeout       time.Duration `yaml:"timeout"`
	EventLog      bool          `yaml:"event_log"` // write a row to the events table
	EventLogDSN   string        `yaml:"event_log_dsn"`
	PublishEvents bool          `yaml:"publish_events"` // publish pipeline.complete on the bus
	AccountID     string        `yaml:"account_id"`
}

// AgentsConfig maps agent kinds to external agent endpoints
type AgentsConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// ConsumerConfig configures the queue consumer
type ConsumerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Concurrency    int           `yaml:"concurrency"`
	CoordinatorURL string        `yaml:"coordinator_url"` // deliver over HTTP instead of in-process
	APIKey         string        `yaml:"api_key"`         // sent to coordinator_url when it requires auth
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

// TemporalConfig configures scheduled orchestration through Temporal
type TemporalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Host      string        `yaml:"host"`
	Namespace string        `yaml:"namespace"`
	TaskQueue string        `yaml:"task_queue"`
	Interval  time.Duration `yaml:"interval"`
	EntityIDs []string      `yaml:"entity_ids"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Values not present in the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${POSTGRES_DSN}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend names and required connection settings.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory":
	case "nats":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url is required for the nats backend")
		}
		// A task is redelivered once ack_wait passes without an ack, so it
		// must outlast one agent run plus its callback.
		if budget := c.Agents.Timeout + c.Consumer.DeliverTimeout; c.Queue.AckWait <= budget {
			return fmt.Errorf("queue.ack_wait (%v) must exceed agents.timeout + consumer.deliver_timeout (%v)", c.Queue.AckWait, budget)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Records.Backend {
	case "postgres":
		if c.Records.DSN == "" {
			return fmt.Errorf("records.dsn is required for the postgres backend")
		}
	case "file":
		if c.Records.Path == "" {
			return fmt.Errorf("records.path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown records backend %q", c.Records.Backend)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.enabled requires auth.api_keys or auth.jwt_secret")
	}

	if c.Coordinator.RetryCeiling < 1 {
		return fmt.Errorf("coordinator.retry_ceiling must be at least 1")
	}
	if c.Notify.EventLog && c.Notify.EventLogDSN == "" {
		return fmt.Errorf("notify.event_log_dsn is required when notify.event_log is set")
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,

			StatsInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			LocatorTTL:         7 * 24 * time.Hour,
			RetryCeiling:       3,
			HighValueThreshold: 75,
			ActorIdleTimeout:   10 * time.Minute,
			NotifyTimeout:      10 * time.Second,
		},
		Queue: QueueConfig{
			Backend:    "memory",
			StreamName: "ORGCOORD",
			MaxDeliver: 5,
			AckWait:    6 * time.Minute,
			RetryDelay: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend:   "memory",
			KeyPrefix: "orgcoord:state:",
		},
		Records: RecordsConfig{
			Backend: "file",
			Path:    "./organizations.yaml",
			Watch:   true,
		},
		Notify: NotifyConfig{
			Timeout:   10 * time.Second,
			AccountID: "default",
		},
		Agents: AgentsConfig{
			Endpoints: map[string]string{},
			Timeout:   5 * time.Minute,
		},
		Consumer: ConsumerConfig{
			Enabled:        true,
			Concurrency:    4,
			DeliverTimeout: 30 * time.Second,
		},
		Temporal: TemporalConfig{
			Enabled:   false,
			Host:      "localhost:7233",
			Namespace: "orgcoord-default",
			TaskQueue: "orgcoord-schedules",
			Interval:  24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "otel-collector:4317",
			ServiceName: "orgcoord",
		},
	}
}
