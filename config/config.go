// Package config loads server configuration from a YAML file and LOYALTY_*
// environment variables. Environment variables take precedence over the
// file, and command-line flags in main take precedence over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Tiers     []TierConfig    `yaml:"tiers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Feed      FeedConfig      `yaml:"feed"`
	Lock      LockConfig      `yaml:"lock"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DatabaseConfig struct {
	// Path is a SQLite file, ":memory:", or "memory" for the map-backed store.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type EngineConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Parallelism int           `yaml:"parallelism"`
}

// TierConfig is one row of the tier table. Amounts are decimal strings.
type TierConfig struct {
	Level    int    `yaml:"level"`
	MinSpend string `yaml:"min_spend"`
	Discount string `yaml:"discount_percent"`
}

type SchedulerConfig struct {
	// RecomputeInterval runs RecomputeAll periodically. Zero disables it.
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
}

type FeedConfig struct {
	Kafka     KafkaConfig `yaml:"kafka"`
	Redis     RedisConfig `yaml:"redis"`
	WebSocket bool        `yaml:"websocket"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	CommandsTopic string   `yaml:"commands_topic"`
	GroupID       string   `yaml:"group_id"`
}

// Enabled reports whether events should be written to Kafka.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type RedisConfig struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"`
}

const (
	LockMemory    = "memory"
	LockZooKeeper = "zookeeper"
)

type LockConfig struct {
	Backend        string        `yaml:"backend"`
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "./loyalty.db"},
		Log:      LogConfig{Level: "info"},
		Engine: EngineConfig{
			MaxAttempts: 5,
			Backoff:     5 * time.Millisecond,
			Parallelism: 8,
		},
		Feed: FeedConfig{
			Kafka:     KafkaConfig{GroupID: "loyalty-engine"},
			WebSocket: true,
		},
		Lock: LockConfig{Backend: LockMemory, SessionTimeout: 10 * time.Second},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			ServiceName: "loyalty-engine",
			Environment: "development",
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	integer("LOYALTY_PORT", &cfg.Server.Port)
	str("LOYALTY_HOST", &cfg.Server.Host)
	list("LOYALTY_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	str("LOYALTY_DB_PATH", &cfg.Database.Path)
	str("LOYALTY_LOG_LEVEL", &cfg.Log.Level)
	boolean("LOYALTY_LOG_PRETTY", &cfg.Log.Pretty)
	integer("LOYALTY_MAX_ATTEMPTS", &cfg.Engine.MaxAttempts)
	duration("LOYALTY_RECOMPUTE_INTERVAL", &cfg.Scheduler.RecomputeInterval)
	list("LOYALTY_KAFKA_BROKERS", &cfg.Feed.Kafka.Brokers)
	str("LOYALTY_KAFKA_TOPIC", &cfg.Feed.Kafka.Topic)
	str("LOYALTY_KAFKA_COMMANDS_TOPIC", &cfg.Feed.Kafka.CommandsTopic)
	str("LOYALTY_REDIS_ADDR", &cfg.Feed.Redis.Addr)
	boolean("LOYALTY_WEBSOCKET", &cfg.Feed.WebSocket)
	str("LOYALTY_LOCK_BACKEND", &cfg.Lock.Backend)
	list("LOYALTY_ZK_SERVERS", &cfg.Lock.Servers)
	boolean("LOYALTY_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("LOYALTY_JAEGER_ENDPOINT", &cfg.Tracing.Endpoint)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, errors.New("engine max_attempts must be at least 1"))
	}
	if c.Scheduler.RecomputeInterval < 0 {
		errs = append(errs, errors.New("scheduler recompute_interval cannot be negative"))
	}
	switch c.Lock.Backend {
	case LockMemory:
	case LockZooKeeper:
		if len(c.Lock.Servers) == 0 {
			errs = append(errs, errors.New("zookeeper lock requires servers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", c.Lock.Backend))
	}
	if c.Feed.Kafka.CommandsTopic != "" && len(c.Feed.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka commands_topic requires brokers"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing endpoint is required when tracing is enabled"))
	}
	if _, err := c.TierTable(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TierTable builds the configured tier table, or the default one when none
// is configured. Errors unwrap to loyalty.ErrConfiguration.
func (c *Config) TierTable() (*loyalty.TierTable, error) {
	if len(c.Tiers) == 0 {
		return loyalty.NewTierTable(loyalty.DefaultTiers())
	}
	entries := make([]loyalty.Tier, len(c.Tiers))
	for i, t := range c.Tiers {
		minSpend, err := decimal.NewFromString(t.MinSpend)
		if err != nil {
			return nil, &loyalty.ConfigurationError{Reason: fmt.Sprintf("tier %d min_spend %q: %v", t.Level, t.MinSpend, err)}
		}
		discount := decimal.Zero
		if t.Discount != "" {
			if discount, err = decimal.NewFromString(t.Discount); err != nil {
				return nil, &loyalty.ConfigurationError{Reason: fmt.Sprintf("tier %d discount_percent %q: %v", t.Level, t.Discount, err)}
			}
		}
		entries[i] = loyalty.Tier{Level: t.Level, MinSpend: minSpend, DiscountPercent: discount}
	}
	return loyalty.NewTierTable(entries)
}
