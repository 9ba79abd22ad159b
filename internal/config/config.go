// Package config handles configuration loading and validation for the pool API.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool API
type Config struct {
	Pool        PoolConfig        `mapstructure:"pool"`
	Node        NodeConfig        `mapstructure:"node"`
	Redis       RedisConfig       `mapstructure:"redis"`
	API         APIConfig         `mapstructure:"api"`
	SlushMining SlushMiningConfig `mapstructure:"slush_mining"`
	Payments    PaymentsConfig    `mapstructure:"payments"`
	Security    SecurityConfig    `mapstructure:"security"`
	NewRelic    NewRelicConfig    `mapstructure:"newrelic"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Profiling   ProfilingConfig   `mapstructure:"profiling"`
	Log         LogConfig         `mapstructure:"log"`
}

// PoolConfig defines pool identity settings echoed to clients
type PoolConfig struct {
	Name             string  `mapstructure:"name"`
	Coin             string  `mapstructure:"coin"`
	Symbol           string  `mapstructure:"symbol"`
	CoinUnits        uint64  `mapstructure:"coin_units"`
	DifficultyTarget int64   `mapstructure:"difficulty_target"`
	Fee              float64 `mapstructure:"fee"`
	NetworkFee       float64 `mapstructure:"network_fee"`
	Depth            int64   `mapstructure:"depth"`
	Version          string  `mapstructure:"version"`
}

// NodeConfig defines daemon connection settings
type NodeConfig struct {
	URL                 string           `mapstructure:"url"`
	Timeout             time.Duration    `mapstructure:"timeout"`
	Upstreams           []UpstreamConfig `mapstructure:"upstreams"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration    `mapstructure:"health_check_timeout"`
	MaxFailures         int              `mapstructure:"max_failures"`
	RecoveryThreshold   int              `mapstructure:"recovery_threshold"`
}

// UpstreamConfig defines one daemon in a failover set
type UpstreamConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Weight  int           `mapstructure:"weight"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines API server and stats collection settings
type APIConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Bind             string        `mapstructure:"bind"`
	UpdateInterval   time.Duration `mapstructure:"update_interval"`
	HashrateWindow   time.Duration `mapstructure:"hashrate_window"`
	Blocks           int64         `mapstructure:"blocks"`
	Payments         int64         `mapstructure:"payments"`
	LiveStats        bool          `mapstructure:"live_stats"`
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	BroadcastWorkers int           `mapstructure:"broadcast_workers"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
}

// SlushMiningConfig defines the time-decay weighting of round shares
type SlushMiningConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Weight    float64 `mapstructure:"weight"`
	BlockTime int64   `mapstructure:"block_time"`
}

// PaymentsConfig holds payout settings echoed to clients
type PaymentsConfig struct {
	Interval     int64  `mapstructure:"interval"`
	MinPayment   uint64 `mapstructure:"min_payment"`
	TransferFee  uint64 `mapstructure:"transfer_fee"`
	Denomination uint64 `mapstructure:"denomination"`
}

// SecurityConfig defines limits on long-poll connections
type SecurityConfig struct {
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines webhook alerts for collection outages and new blocks
type NotifyConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	DiscordURL       string `mapstructure:"discord_url"`
	TelegramBot      string `mapstructure:"telegram_bot"`
	TelegramChat     string `mapstructure:"telegram_chat"`
	PoolURL          string `mapstructure:"pool_url"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

// ProfilingConfig defines the pprof listener
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tos-pool-api")
	}

	v.SetEnvPrefix("TOS_POOL_API")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "TOS Mining Pool")
	v.SetDefault("pool.coin", "tos")
	v.SetDefault("pool.symbol", "TOS")
	v.SetDefault("pool.coin_units", 1000000000000)
	v.SetDefault("pool.difficulty_target", 120)
	v.SetDefault("pool.fee", 1.0)
	v.SetDefault("pool.depth", 60)

	v.SetDefault("node.url", "http://127.0.0.1:18081/json_rpc")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.health_check_interval", "10s")
	v.SetDefault("node.health_check_timeout", "3s")
	v.SetDefault("node.max_failures", 3)
	v.SetDefault("node.recovery_threshold", 2)

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8117")
	v.SetDefault("api.update_interval", "5s")
	v.SetDefault("api.hashrate_window", "10m")
	v.SetDefault("api.blocks", 30)
	v.SetDefault("api.payments", 30)
	v.SetDefault("api.live_stats", true)
	v.SetDefault("api.max_subscriptions", 10000)
	v.SetDefault("api.broadcast_workers", 0) // 0: one goroutine per address
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("slush_mining.enabled", false)
	v.SetDefault("slush_mining.weight", 300)
	v.SetDefault("slush_mining.block_time", 60)

	v.SetDefault("payments.interval", 600)
	v.SetDefault("payments.min_payment", 100000000000)
	v.SetDefault("payments.denomination", 10000000000)

	v.SetDefault("security.max_connections_per_ip", 32)
	v.SetDefault("security.refresh_interval", "5m")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "tos-pool-api")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.failure_threshold", 3)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.Coin == "" {
		return fmt.Errorf("pool.coin is required")
	}

	if c.Pool.Fee < 0 || c.Pool.Fee > 100 {
		return fmt.Errorf("pool.fee must be between 0 and 100")
	}

	if c.Node.URL == "" && len(c.Node.Upstreams) == 0 {
		return fmt.Errorf("node.url or node.upstreams is required")
	}

	if c.API.UpdateInterval <= 0 {
		return fmt.Errorf("api.update_interval must be positive")
	}

	if c.API.HashrateWindow < time.Second {
		return fmt.Errorf("api.hashrate_window must be at least 1s")
	}

	if c.API.Blocks <= 0 || c.API.Payments <= 0 {
		return fmt.Errorf("api.blocks and api.payments must be positive")
	}

	if c.SlushMining.Enabled && c.SlushMining.Weight <= 0 {
		return fmt.Errorf("slush_mining.weight must be positive when slush mining is enabled")
	}

	if c.Notify.Enabled && c.Notify.FailureThreshold <= 0 {
		return fmt.Errorf("notify.failure_threshold must be positive")
	}

	return nil
}

// HashrateWindowSeconds returns the sliding window width in whole seconds
func (c *Config) HashrateWindowSeconds() int64 {
	return int64(c.API.HashrateWindow / time.Second)
}
