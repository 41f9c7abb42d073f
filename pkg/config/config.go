// Package config loads process configuration for the experiment
// engine: an FF_-prefixed environment overlay on top of an optional
// config.yaml, validated before the caller wires anything up.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the experiment engine's full process configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Files         FilesConfig         `mapstructure:"files"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig holds the HTTP admin/evaluate surface's listen config.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Environment     string        `mapstructure:"environment"`
}

// EngineConfig holds the merge engine's own tunables. BucketSize is
// not configurable here — hashing.BucketSize is a compile-time
// constant by design, since changing it mid-deployment would reassign
// every existing bucket — so this only carries HistoryDepth, the one
// LayerManager knob meant to vary by deployment.
type EngineConfig struct {
	HistoryDepth int `mapstructure:"history_depth"`
}

// FilesConfig configures the FileSource ConfigSource variant.
type FilesConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LayersDir      string        `mapstructure:"layers_dir"`
	ExperimentsDir string        `mapstructure:"experiments_dir"`
	Debounce       time.Duration `mapstructure:"debounce"`
}

// NATSConfig configures the PushSource ConfigSource variant.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnect  int           `mapstructure:"max_reconnect"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// PostgresConfig configures the DiscoverySource ConfigSource variant.
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	Channel  string `mapstructure:"channel"`
}

// DSN renders p as a libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.Username, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig configures the warm-start snapshot cache.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Addr renders the host:port Redis address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ClickHouseConfig configures the warnings sink.
type ClickHouseConfig struct {
	Addr          string        `mapstructure:"addr"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// AuthConfig configures the admin surface's token issuance/verification.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	JWTExpiry  time.Duration `mapstructure:"jwt_expiry"`
	BCryptCost int           `mapstructure:"bcrypt_cost"`
}

// ObservabilityConfig holds cross-cutting observability config. Only
// Logging is populated — metrics/tracing are Non-goals here.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Structured bool   `mapstructure:"structured"`
}

// Load reads configuration from an optional config.yaml overlaid by
// FF_-prefixed environment variables, applies defaults, and validates
// the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/experiment-engine")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" && v.GetString("auth.jwt_secret") != "" {
		cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.environment", "development")

	v.SetDefault("engine.history_depth", 16)

	v.SetDefault("files.enabled", true)
	v.SetDefault("files.layers_dir", "./config/layers")
	v.SetDefault("files.experiments_dir", "./config/experiments")
	v.SetDefault("files.debounce", "150ms")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "experiment-engine.config.changes")
	v.SetDefault("nats.max_reconnect", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "experiment_engine")
	v.SetDefault("postgres.username", "postgres")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.channel", "experiment_engine_config")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.ttl", "1h")

	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "experiment_engine")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.flush_interval", "5s")
	v.SetDefault("clickhouse.batch_size", 500)

	v.SetDefault("auth.jwt_expiry", "24h")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output", "stdout")
	v.SetDefault("observability.logging.structured", true)
}

// Validate checks the invariants the engine cannot safely start
// without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Engine.HistoryDepth <= 0 {
		return fmt.Errorf("engine.history_depth must be positive")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.Database == "" {
		return fmt.Errorf("postgres.database is required when postgres is enabled")
	}
	return nil
}

// IsDevelopment reports whether the server is configured for the
// development environment.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// IsProduction reports whether the server is configured for the
// production environment.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
