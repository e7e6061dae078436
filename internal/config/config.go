// Package config provides configuration management for threatgraph.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatgraph/internal/api"
	"github.com/lvonguyen/threatgraph/internal/api/gateway"
	"github.com/lvonguyen/threatgraph/internal/feeds"
	"github.com/lvonguyen/threatgraph/internal/graph"
	"github.com/lvonguyen/threatgraph/internal/observability"
	"github.com/lvonguyen/threatgraph/internal/streaming"
)

// Config holds all threatgraph configuration. Secrets never live in the
// file; the *_env fields name the environment variable that holds them.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Neo4jConfig holds graph store connection settings.
type Neo4jConfig struct {
	URI            string        `yaml:"uri"`
	Username       string        `yaml:"username"`
	PasswordEnv    string        `yaml:"password_env"`
	Database       string        `yaml:"database"`
	MaxPoolSize    int           `yaml:"max_pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

// KafkaConfig holds message bus settings.
type KafkaConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ConsumerEnabled bool          `yaml:"consumer_enabled"`
	Brokers         []string      `yaml:"brokers"`
	ClientID        string        `yaml:"client_id"`
	GroupID         string        `yaml:"group_id"`
	Topics          TopicsConfig  `yaml:"topics"`
	ProduceTimeout  time.Duration `yaml:"produce_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// TopicsConfig names the Kafka topics.
type TopicsConfig struct {
	ThreatIntel string `yaml:"threat_intel"`
	Correlation string `yaml:"correlation"`
	DLQ         string `yaml:"dlq"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// RateLimitConfig wraps the gateway limiter settings.
type RateLimitConfig struct {
	gateway.RateLimitConfig `yaml:",inline"`
}

// CacheConfig holds search cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// FeedsConfig holds feed ingestion settings.
type FeedsConfig struct {
	Schedule ScheduleConfig `yaml:"schedule"`
	Lookback time.Duration  `yaml:"lookback"`
	OTX      OTXConfig      `yaml:"otx"`
	MISP     MISPConfig     `yaml:"misp"`
}

// ScheduleConfig controls the periodic feed pass.
type ScheduleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	Enabled         bool `yaml:"enabled"`
	feeds.OTXConfig `yaml:",inline"`
}

// MISPConfig holds MISP settings.
type MISPConfig struct {
	Enabled          bool `yaml:"enabled"`
	feeds.MISPConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Neo4j: Neo4jConfig{
			URI:            "bolt://localhost:7687",
			Username:       "neo4j",
			PasswordEnv:    "NEO4J_PASSWORD",
			Database:       "neo4j",
			MaxPoolSize:    50,
			AcquireTimeout: 10 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:         false,
			ConsumerEnabled: true,
			Brokers:         []string{"localhost:9092"},
			ClientID:        "threatgraph",
			GroupID:         "threat_intelligence_consumer",
			Topics: TopicsConfig{
				ThreatIntel: "threat_intelligence",
				Correlation: "ioc_correlation",
				DLQ:         "threat_intelligence_dlq",
			},
			ProduceTimeout: 10 * time.Second,
			MaxAttempts:    3,
			RetryBackoff:   500 * time.Millisecond,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		RateLimit: RateLimitConfig{gateway.RateLimitConfig{
			Enabled:                  false,
			DefaultRequestsPerMinute: 100,
			IncludeHeaders:           true,
		}},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     30 * time.Second,
		},
		Feeds: FeedsConfig{
			Schedule: ScheduleConfig{
				Enabled:  false,
				Interval: feeds.DefaultInterval,
			},
			Lookback: 24 * time.Hour,
			OTX:      OTXConfig{OTXConfig: feeds.DefaultOTXConfig()},
			MISP:     MISPConfig{MISPConfig: feeds.DefaultMISPConfig()},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "threatgraph",
			Environment:    "development",
			MetricsEnabled: true,
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   0.1,
		},
	}
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Neo4j.URI == "" {
		errs = append(errs, errors.New("neo4j.uri is required"))
	}
	if c.Neo4j.Username == "" {
		errs = append(errs, errors.New("neo4j.username is required"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Kafka.ConsumerEnabled && c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("kafka.group_id is required for the consumer"))
		}
		if c.Kafka.MaxAttempts < 1 {
			errs = append(errs, errors.New("kafka.max_attempts must be at least 1"))
		}
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("rate_limit requires redis.enabled"))
	}
	if c.Feeds.MISP.Enabled && c.Feeds.MISP.BaseURL == "" {
		errs = append(errs, errors.New("feeds.misp.base_url is required when misp is enabled"))
	}
	if c.Feeds.Schedule.Enabled && c.Feeds.Schedule.Interval < time.Second {
		errs = append(errs, errors.New("feeds.schedule.interval must be at least 1s"))
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate %v outside [0,1]", c.Telemetry.SamplingRate))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// EnabledFeeds returns the names of the enabled external feeds.
func (c *Config) EnabledFeeds() []string {
	var names []string
	if c.Feeds.OTX.Enabled {
		names = append(names, "otx")
	}
	if c.Feeds.MISP.Enabled {
		names = append(names, "misp")
	}
	return names
}

// GraphConfig resolves the Neo4j password from the environment.
func (c *Config) GraphConfig() graph.Config {
	return graph.Config{
		URI:            c.Neo4j.URI,
		Username:       c.Neo4j.Username,
		Password:       os.Getenv(c.Neo4j.PasswordEnv),
		Database:       c.Neo4j.Database,
		MaxPoolSize:    c.Neo4j.MaxPoolSize,
		AcquireTimeout: c.Neo4j.AcquireTimeout,
		QueryTimeout:   c.Neo4j.QueryTimeout,
	}
}

func (c *Config) StreamingConfig() streaming.Config {
	return streaming.Config{
		Brokers:  c.Kafka.Brokers,
		ClientID: c.Kafka.ClientID,
		GroupID:  c.Kafka.GroupID,
		Topics: streaming.Topics{
			ThreatIntel: c.Kafka.Topics.ThreatIntel,
			Correlation: c.Kafka.Topics.Correlation,
			DLQ:         c.Kafka.Topics.DLQ,
		},
		ProduceTimeout: c.Kafka.ProduceTimeout,
		MaxAttempts:    c.Kafka.MaxAttempts,
		RetryBackoff:   c.Kafka.RetryBackoff,
	}
}

func (c *Config) APIConfig() api.Config {
	return api.Config{
		Addr:            c.Server.Addr,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		IdleTimeout:     c.Server.IdleTimeout,
		RequestTimeout:  c.Server.RequestTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
	}
}

// ObservabilityConfig builds the observability settings for the given build
// version.
func (c *Config) ObservabilityConfig(version string) observability.Config {
	return observability.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		LogFile:        c.Logging.File,
		LogMaxSizeMB:   c.Logging.MaxSizeMB,
		LogMaxBackups:  c.Logging.MaxBackups,
		LogMaxAgeDays:  c.Logging.MaxAgeDays,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}
