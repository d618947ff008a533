package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultStoragePath     = "courier.db"
	DefaultBrokerBackend   = "sqlite"
	DefaultNATSURL         = "nats://localhost:4222"
	DefaultAPIAddress      = ":8080"
	DefaultLogDir          = "logs"
	DefaultSendWorkers     = 10
	DefaultFetchWorkers    = 5
	DefaultMaxAttempts     = 5
	DefaultMaxRequeues     = 10
	DefaultMaxSessions     = 20
	DefaultBackoffBaseMs   = 1000
	DefaultBackoffCapMs    = 60000
	DefaultRequeueDelayMs  = 5000
	DefaultStallTimeoutMs  = 300000
	DefaultCleanAgeMs      = 86400000
	DefaultPollIntervalMs  = 250
	DefaultNavTimeoutMs    = 30000
	DefaultActionTimeoutMs = 15000
	DefaultPacingDelayMs   = 3000
	DefaultSettleDelayMs   = 750
)

// Config represents the complete Courier configuration
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Queues  QueuesConfig  `yaml:"queues"`
	Pool    PoolConfig    `yaml:"pool"`
	Driver  DriverConfig  `yaml:"driver"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig selects the queue broker backend.
type BrokerConfig struct {
	// Backend is one of "memory" or "sqlite". Memory is for tests and
	// single-process development; sqlite survives restarts.
	Backend string `yaml:"backend"`

	// NATSURL is the server URL for the event bus (optional; empty disables
	// external event publishing and an in-memory bus is used instead).
	NATSURL string `yaml:"nats_url"`
}

// QueueConfig tunes one job queue instance.
type QueueConfig struct {
	Workers        int `yaml:"workers"`
	MaxAttempts    int `yaml:"max_attempts"`
	MaxRequeues    int `yaml:"max_requeues"`
	BackoffBaseMs  int `yaml:"backoff_base_ms"`
	BackoffCapMs   int `yaml:"backoff_cap_ms"`
	RequeueDelayMs int `yaml:"requeue_delay_ms"`
	StallTimeoutMs int `yaml:"stall_timeout_ms"`
	CleanAgeMs     int `yaml:"clean_age_ms"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// QueuesConfig holds the per-kind queue tuning.
type QueuesConfig struct {
	Send  QueueConfig `yaml:"send"`
	Fetch QueueConfig `yaml:"fetch"`
}

// PoolConfig tunes the automation session pool.
type PoolConfig struct {
	MaxSessions int `yaml:"max_sessions"`
}

// DriverConfig configures the page driver.
type DriverConfig struct {
	TargetURL       string `yaml:"target_url"`
	Headless        bool   `yaml:"headless"`
	ChromeBin       string `yaml:"chrome_bin"`
	NavTimeoutMs    int    `yaml:"nav_timeout_ms"`
	ActionTimeoutMs int    `yaml:"action_timeout_ms"`
	PacingDelayMs   int    `yaml:"pacing_delay_ms"`
	SettleDelayMs   int    `yaml:"settle_delay_ms"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Duration accessors. YAML keeps integer milliseconds; callers get
// time.Duration.

func (q QueueConfig) BackoffBase() time.Duration {
	return msOrDefault(q.BackoffBaseMs, DefaultBackoffBaseMs)
}

func (q QueueConfig) BackoffCap() time.Duration {
	return msOrDefault(q.BackoffCapMs, DefaultBackoffCapMs)
}

func (q QueueConfig) RequeueDelay() time.Duration {
	return msOrDefault(q.RequeueDelayMs, DefaultRequeueDelayMs)
}

func (q QueueConfig) StallTimeout() time.Duration {
	return msOrDefault(q.StallTimeoutMs, DefaultStallTimeoutMs)
}

func (q QueueConfig) CleanAge() time.Duration {
	return msOrDefault(q.CleanAgeMs, DefaultCleanAgeMs)
}

func (q QueueConfig) PollInterval() time.Duration {
	return msOrDefault(q.PollIntervalMs, DefaultPollIntervalMs)
}

func (d DriverConfig) NavTimeout() time.Duration {
	return msOrDefault(d.NavTimeoutMs, DefaultNavTimeoutMs)
}

func (d DriverConfig) ActionTimeout() time.Duration {
	return msOrDefault(d.ActionTimeoutMs, DefaultActionTimeoutMs)
}

func (d DriverConfig) PacingDelay() time.Duration {
	return msOrDefault(d.PacingDelayMs, DefaultPacingDelayMs)
}

func (d DriverConfig) SettleDelay() time.Duration {
	return msOrDefault(d.SettleDelayMs, DefaultSettleDelayMs)
}

func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from a YAML file. A missing file yields the
// defaults rather than an error so a bare binary still starts.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Broker.Backend == "" {
		c.Broker.Backend = DefaultBrokerBackend
	}
	if c.Queues.Send.Workers == 0 {
		c.Queues.Send.Workers = DefaultSendWorkers
	}
	if c.Queues.Fetch.Workers == 0 {
		c.Queues.Fetch.Workers = DefaultFetchWorkers
	}
	for _, q := range []*QueueConfig{&c.Queues.Send, &c.Queues.Fetch} {
		if q.MaxAttempts == 0 {
			q.MaxAttempts = DefaultMaxAttempts
		}
		if q.MaxRequeues == 0 {
			q.MaxRequeues = DefaultMaxRequeues
		}
	}
	if c.Pool.MaxSessions == 0 {
		c.Pool.MaxSessions = DefaultMaxSessions
	}
	if c.API.Address == "" {
		c.API.Address = DefaultAPIAddress
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = DefaultLogDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Broker.Backend) {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid broker backend: %q (want memory or sqlite)", c.Broker.Backend)
	}

	if c.Queues.Send.Workers < 1 || c.Queues.Fetch.Workers < 1 {
		return fmt.Errorf("queue worker counts must be positive")
	}
	if c.Queues.Send.MaxAttempts < 1 || c.Queues.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be positive")
	}
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool max_sessions must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}
