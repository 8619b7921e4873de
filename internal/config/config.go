package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"cardpricer/internal/logging"
	"cardpricer/internal/pricing"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Staleness   StalenessConfig   `mapstructure:"staleness"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Revalidator RevalidatorConfig `mapstructure:"revalidator"`
	Syncer      SyncerConfig      `mapstructure:"syncer"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Server      ServerConfig      `mapstructure:"server"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig bounds the in-memory price cache.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// StalenessConfig sets the record-age thresholds.
type StalenessConfig struct {
	FreshFor         time.Duration `mapstructure:"fresh_for"`
	ExpireAfter      time.Duration `mapstructure:"expire_after"`
	SpeedExpireAfter time.Duration `mapstructure:"speed_expire_after"`
}

// UpstreamConfig covers the external pricing provider.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	BatchSize         int           `mapstructure:"batch_size"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// RevalidatorConfig sizes the background refresh worker pool.
type RevalidatorConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// SyncerConfig governs the proactive sync cycle.
type SyncerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	BatchCount   int           `mapstructure:"batch_count"`
}

// ResolverConfig bounds resolution latency per priority mode.
type ResolverConfig struct {
	SpeedTimeout     time.Duration `mapstructure:"speed_timeout"`
	BalancedTimeout  time.Duration `mapstructure:"balanced_timeout"`
	FreshnessTimeout time.Duration `mapstructure:"freshness_timeout"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARDPRICER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cardpricer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("cache.capacity", 4096)

	v.SetDefault("staleness.fresh_for", "2h")
	v.SetDefault("staleness.expire_after", "12h")
	v.SetDefault("staleness.speed_expire_after", "48h")

	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.batch_size", 50)
	v.SetDefault("upstream.requests_per_minute", 60)
	v.SetDefault("upstream.max_concurrent", 4)
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.user_agent", "cardpricer/1.0")

	v.SetDefault("revalidator.workers", 2)
	v.SetDefault("revalidator.queue_size", 256)
	v.SetDefault("revalidator.fetch_timeout", "15s")

	v.SetDefault("syncer.enabled", true)
	v.SetDefault("syncer.interval", "12h")
	v.SetDefault("syncer.startup_delay", "1m")
	v.SetDefault("syncer.batch_count", 200)

	v.SetDefault("resolver.speed_timeout", "100ms")
	v.SetDefault("resolver.balanced_timeout", "2s")
	v.SetDefault("resolver.freshness_timeout", "5s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be greater than zero")
	}
	if c.Staleness.FreshFor <= 0 || c.Staleness.ExpireAfter <= 0 {
		return fmt.Errorf("staleness thresholds must be greater than zero")
	}
	if c.Staleness.FreshFor >= c.Staleness.ExpireAfter {
		return fmt.Errorf("staleness.fresh_for must be below staleness.expire_after")
	}
	if c.Staleness.SpeedExpireAfter < c.Staleness.ExpireAfter {
		return fmt.Errorf("staleness.speed_expire_after must not be below staleness.expire_after")
	}
	if c.Syncer.Interval <= 0 {
		return fmt.Errorf("syncer.interval must be greater than zero")
	}
	if c.Syncer.BatchCount <= 0 {
		return fmt.Errorf("syncer.batch_count must be greater than zero")
	}
	if c.Upstream.BatchSize <= 0 {
		return fmt.Errorf("upstream.batch_size must be greater than zero")
	}
	if c.Upstream.RequestsPerMinute <= 0 {
		return fmt.Errorf("upstream.requests_per_minute must be greater than zero")
	}
	if c.Resolver.SpeedTimeout <= 0 || c.Resolver.BalancedTimeout <= 0 || c.Resolver.FreshnessTimeout <= 0 {
		return fmt.Errorf("resolver timeouts must be greater than zero")
	}
	return nil
}

// StalenessPolicy converts the configured thresholds into a policy value.
func (c *Config) StalenessPolicy() pricing.StalenessPolicy {
	return pricing.StalenessPolicy{
		FreshFor:         c.Staleness.FreshFor,
		ExpireAfter:      c.Staleness.ExpireAfter,
		SpeedExpireAfter: c.Staleness.SpeedExpireAfter,
	}
}
