// Package config loads casehawk configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Capacity   CapacityConfig   `mapstructure:"capacity"`
	Hunt       HuntConfig       `mapstructure:"hunt"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Rules      RulesConfig      `mapstructure:"rules"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects and configures the File Record store.
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // "postgres" or "sqlite"
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnString renders the settings as a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// OpenSearchConfig holds OpenSearch connection and index settings
type OpenSearchConfig struct {
	URL             string        `mapstructure:"url"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TLSSkipVerify   bool          `mapstructure:"tls_skip_verify"`
	IndexPrefix     string        `mapstructure:"index_prefix"`
	ShardCount      int           `mapstructure:"shard_count"`
	ReplicaCount    int           `mapstructure:"replica_count"`
	RefreshInterval string        `mapstructure:"refresh_interval"`
	FieldLimit      int           `mapstructure:"field_limit"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// NATSConfig holds task queue settings
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	Consumer      string        `mapstructure:"consumer"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxDeliver    int           `mapstructure:"max_deliver"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds settings for the global lease store.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	Enabled   bool          `mapstructure:"enabled"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig configures operator identity extraction. An empty secret
// disables bearer token checks.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ProcessingConfig tunes indexing, retries and task ownership.
type ProcessingConfig struct {
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxFailureRate    float64       `mapstructure:"max_failure_rate"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	RetryInitial      time.Duration `mapstructure:"retry_initial"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MalformedSamples  int           `mapstructure:"malformed_samples"`
}

// CapacityConfig configures the pre-flight shard capacity check.
type CapacityConfig struct {
	ThresholdPercent  float64       `mapstructure:"threshold_percent"`
	MaxShardsOverride int           `mapstructure:"max_shards_override"`
	SettingsCacheTTL  time.Duration `mapstructure:"settings_cache_ttl"`
}

// HuntConfig configures exhaustive retrieval and annotation commits.
type HuntConfig struct {
	PageSize        int           `mapstructure:"page_size"`
	ScrollKeepAlive time.Duration `mapstructure:"scroll_keepalive"`
	MaxPages        int           `mapstructure:"max_pages"`
	CommitBatch     int           `mapstructure:"commit_batch"`
	QueryCacheSize  int           `mapstructure:"query_cache_size"`
}

// IdentityConfig controls deduplication strictness.
type IdentityConfig struct {
	Strictness   string        `mapstructure:"strictness"`
	Precision    time.Duration `mapstructure:"precision"`
	VolatileKeys []string      `mapstructure:"volatile_keys"`
}

type RulesConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads $CASEHAWK_CONFIG_DIR/config.yaml (default /etc/casehawk) and
// applies environment overrides, e.g. PROCESSING_BATCH_SIZE.
func Load() (*Config, error) {
	configDir := os.Getenv("CASEHAWK_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/casehawk"
	}
	return LoadFile(fmt.Sprintf("%s/config.yaml", configDir))
}

// LoadFile is Load with an explicit file path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// isNotFound reports whether err means the config file is absent. Viper
// returns ConfigFileNotFoundError only for search paths; an explicit path
// yields an *fs.PathError instead.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Validate rejects settings that would make processing unsafe.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Processing.BatchSize <= 0 {
		return fmt.Errorf("processing.batch_size must be positive")
	}
	if c.Processing.MaxFailureRate < 0 || c.Processing.MaxFailureRate > 1 {
		return fmt.Errorf("processing.max_failure_rate must be within [0,1]")
	}
	if c.Processing.StaleAfter <= c.Processing.HeartbeatInterval {
		return fmt.Errorf("processing.stale_after must exceed processing.heartbeat_interval")
	}
	if c.Capacity.ThresholdPercent <= 0 || c.Capacity.ThresholdPercent > 100 {
		return fmt.Errorf("capacity.threshold_percent must be within (0,100]")
	}
	if c.Hunt.PageSize <= 0 || c.Hunt.CommitBatch <= 0 || c.Hunt.MaxPages <= 0 {
		return fmt.Errorf("hunt.page_size, hunt.commit_batch and hunt.max_pages must be positive")
	}
	switch c.Identity.Strictness {
	case "exact", "standard", "relaxed":
	default:
		return fmt.Errorf("identity.strictness must be exact, standard or relaxed, got %q", c.Identity.Strictness)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "casehawk")
	v.SetDefault("database.postgres.user", "casehawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.sqlite.path", "/var/lib/casehawk/casehawk.db")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index_prefix", "casehawk")
	v.SetDefault("opensearch.shard_count", 1)
	v.SetDefault("opensearch.replica_count", 0)
	v.SetDefault("opensearch.refresh_interval", "5s")
	v.SetDefault("opensearch.field_limit", 10000)
	v.SetDefault("opensearch.request_timeout", "60s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "CASEHAWK_TASKS")
	v.SetDefault("nats.consumer", "casehawk-workers")
	v.SetDefault("nats.ack_wait", "2m")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.key_prefix", "casehawk:lease:")
	v.SetDefault("redis.lease_ttl", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("processing.workers", 4)
	v.SetDefault("processing.batch_size", 2000)
	v.SetDefault("processing.max_failure_rate", 0.10)
	v.SetDefault("processing.max_retries", 3)
	v.SetDefault("processing.retry_initial", "2s")
	v.SetDefault("processing.retry_max", "30s")
	v.SetDefault("processing.heartbeat_interval", "30s")
	v.SetDefault("processing.stale_after", "5m")
	v.SetDefault("processing.sweep_interval", "1m")
	v.SetDefault("processing.malformed_samples", 5)

	v.SetDefault("capacity.threshold_percent", 95.0)
	v.SetDefault("capacity.max_shards_override", 0)
	v.SetDefault("capacity.settings_cache_ttl", "5m")

	v.SetDefault("hunt.page_size", 2000)
	v.SetDefault("hunt.scroll_keepalive", "5m")
	v.SetDefault("hunt.max_pages", 10000)
	v.SetDefault("hunt.commit_batch", 500)
	v.SetDefault("hunt.query_cache_size", 1024)

	v.SetDefault("identity.strictness", "standard")
	v.SetDefault("identity.precision", "1s")
	v.SetDefault("identity.volatile_keys", []string{})

	v.SetDefault("rules.dir", "/etc/casehawk/rules")
}
