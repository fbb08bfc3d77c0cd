// Package appconfig provides SentryPulse's single-service configuration,
// adapted from the teacher's plugin.Config abstraction (internal/config)
// narrowed to one typed struct: SentryPulse has no plugin host to scope
// config sections to, so the Sub()-returning indirection is dropped in
// favor of a flat viper.Viper plus direct field access.
package appconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is SentryPulse's fully-resolved application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Forecast ForecastConfig `mapstructure:"forecast"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Alerting AlertingConfig `mapstructure:"alerting"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	DevMode bool   `mapstructure:"dev_mode"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PoolConfig struct {
	MaxSize        int           `mapstructure:"max_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenFor          time.Duration `mapstructure:"open_for"`
}

type ForecastConfig struct {
	DefaultBackend string        `mapstructure:"default_backend"`
	RemoteBaseURL  string        `mapstructure:"remote_base_url"`
	RemoteAPIKey   string        `mapstructure:"remote_api_key"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type IngestConfig struct {
	ChunkSize           int           `mapstructure:"chunk_size"`
	DeadLetterBatchSize int           `mapstructure:"dead_letter_batch_size"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	MaxDeadLetterRetry  int           `mapstructure:"max_dead_letter_retry"`
}

type AlertingConfig struct {
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	EscalationTimeout  time.Duration `mapstructure:"escalation_timeout"`
	ReminderInterval   time.Duration `mapstructure:"reminder_interval"`
	MaxEscalationLevel int           `mapstructure:"max_escalation_level"`
	RedisAddr          string        `mapstructure:"redis_addr"`
}

// Defaults returns the baseline configuration before flags/env/file overrides.
func Defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("database.path", "sentrypulse.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.acquire_timeout", 10*time.Second)
	v.SetDefault("pool.drain_timeout", 30*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_for", 30*time.Second)
	v.SetDefault("forecast.default_backend", "holtwinters")
	v.SetDefault("forecast.call_timeout", 30*time.Second)
	v.SetDefault("forecast.max_retries", 3)
	v.SetDefault("ingest.chunk_size", 100)
	v.SetDefault("ingest.dead_letter_batch_size", 10)
	v.SetDefault("ingest.idempotency_ttl", 24*time.Hour)
	v.SetDefault("ingest.max_dead_letter_retry", 5)
	v.SetDefault("alerting.rate_limit_per_minute", 60)
	v.SetDefault("alerting.dedup_window", 5*time.Minute)
	v.SetDefault("alerting.escalation_timeout", 30*time.Minute)
	v.SetDefault("alerting.reminder_interval", 1*time.Hour)
	v.SetDefault("alerting.max_escalation_level", 3)
	return v
}

// Load builds a Config from defaults, an optional config file, environment
// variables (SENTRYPULSE_ prefix, "." replaced by "_"), and CLI flags, in
// ascending precedence -- matching the teacher's viper layering.
func Load(flags *pflag.FlagSet, configFile string) (*Config, *viper.Viper, error) {
	v := Defaults()
	v.SetEnvPrefix("sentrypulse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config file %q: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, v, nil
}

// RegisterFlags defines the CLI flags bound by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("server.addr", ":8080", "HTTP listen address")
	fs.Bool("server.dev_mode", false, "enable swagger UI and verbose logging")
	fs.String("database.path", "sentrypulse.db", "SQLite database path")
	fs.String("logging.level", "info", "log level (debug, info, warn, error)")
	fs.String("logging.format", "json", "log format (json, console)")
}
