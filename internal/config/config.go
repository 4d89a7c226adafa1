// Package config handles configuration loading and validation for the points miner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendGorm   = "gorm"
	BackendSQL    = "sql"
)

// Config holds all configuration for the service
type Config struct {
	Mining   MiningConfig   `mapstructure:"mining"`
	Referral ReferralConfig `mapstructure:"referral"`
	Airdrop  AirdropConfig  `mapstructure:"airdrop"`
	Storage  StorageConfig  `mapstructure:"storage"`
	API      APIConfig      `mapstructure:"api"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
}

// MiningConfig defines the mining session rules
type MiningConfig struct {
	SessionDuration time.Duration `mapstructure:"session_duration"`
	SessionReward   int64         `mapstructure:"session_reward"`
}

// ReferralConfig defines referral settings
type ReferralConfig struct {
	Bonus    int64  `mapstructure:"bonus"`
	LinkBase string `mapstructure:"link_base"`
}

// AirdropConfig defines the token supply distributed by the airdrop
type AirdropConfig struct {
	TotalSupply string `mapstructure:"total_supply"`
}

// StorageConfig selects and configures the user store backend
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	File    FileConfig  `mapstructure:"file"`
	Redis   RedisConfig `mapstructure:"redis"`
	Gorm    DBConfig    `mapstructure:"gorm"`
	SQL     DBConfig    `mapstructure:"sql"`
}

// FileConfig defines the flat JSON file backend
type FileConfig struct {
	Path         string        `mapstructure:"path"`
	CrossProcess bool          `mapstructure:"cross_process"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// DBConfig defines a relational database connection
type DBConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
	LogLevel     string        `mapstructure:"log_level"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Bind            string        `mapstructure:"bind"`
	StatsCache      time.Duration `mapstructure:"stats_cache"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	LeaderboardSize int           `mapstructure:"leaderboard_size"`
	StreamInterval  time.Duration `mapstructure:"stream_interval"`
	AdminEnabled    bool          `mapstructure:"admin_enabled"`
	AdminPassword   string        `mapstructure:"admin_password"`
	Profiling       bool          `mapstructure:"profiling"`
}

// PolicyConfig defines request rate limiting
type PolicyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxScore       int32         `mapstructure:"max_score"`
	ScoreResetTime time.Duration `mapstructure:"score_reset_time"`
	BanDuration    time.Duration `mapstructure:"ban_duration"`
	CostRead       int32         `mapstructure:"cost_read"`
	CostWrite      int32         `mapstructure:"cost_write"`
	CostMalformed  int32         `mapstructure:"cost_malformed"`
	Blocklist      []string      `mapstructure:"blocklist"`
	Allowlist      []string      `mapstructure:"allowlist"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NotifyConfig defines community announcements over Discord and Telegram
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	TelegramAPI  string `mapstructure:"telegram_api"`
	CampaignName string `mapstructure:"campaign_name"`
	CampaignURL  string `mapstructure:"campaign_url"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from a .env file, the config file and environment
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/points-miner")
	}

	v.SetEnvPrefix("POINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
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
	// Mining defaults
	v.SetDefault("mining.session_duration", "24h")
	v.SetDefault("mining.session_reward", 1000)

	// Referral defaults
	v.SetDefault("referral.bonus", 100)
	v.SetDefault("referral.link_base", "https://points.exnus.xyz/join")

	// Airdrop defaults
	v.SetDefault("airdrop.total_supply", "100000000")

	// Storage defaults
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.file.path", "data/users.json")
	v.SetDefault("storage.file.cross_process", false)
	v.SetDefault("storage.file.lock_timeout", "5s")
	v.SetDefault("storage.redis.url", "127.0.0.1:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "points:")
	v.SetDefault("storage.redis.max_retries", 16)
	v.SetDefault("storage.gorm.driver", "postgres")
	v.SetDefault("storage.gorm.max_open_conns", 10)
	v.SetDefault("storage.gorm.max_idle_conns", 5)
	v.SetDefault("storage.gorm.conn_lifetime", "30m")
	v.SetDefault("storage.gorm.log_level", "error")
	v.SetDefault("storage.sql.driver", "postgres")
	v.SetDefault("storage.sql.max_open_conns", 10)
	v.SetDefault("storage.sql.max_idle_conns", 5)
	v.SetDefault("storage.sql.conn_lifetime", "30m")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.leaderboard_size", 100)
	v.SetDefault("api.stream_interval", "5s")
	v.SetDefault("api.admin_enabled", false)
	v.SetDefault("api.profiling", false)

	// Policy defaults
	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.max_score", 300)
	v.SetDefault("policy.score_reset_time", "1m")
	v.SetDefault("policy.ban_duration", "5m")
	v.SetDefault("policy.cost_read", 1)
	v.SetDefault("policy.cost_write", 5)
	v.SetDefault("policy.cost_malformed", 25)

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "points-miner")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.telegram_api", "https://api.telegram.org")
	v.SetDefault("notify.campaign_name", "Exnus Points")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Mining.SessionDuration <= 0 {
		return fmt.Errorf("mining.session_duration must be positive")
	}

	if c.Mining.SessionReward <= 0 {
		return fmt.Errorf("mining.session_reward must be positive")
	}

	if c.Referral.Bonus < 0 {
		return fmt.Errorf("referral.bonus must not be negative")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.File.Path == "" {
			return fmt.Errorf("storage.file.path is required for the file backend")
		}
	case BackendRedis:
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("storage.redis.url is required for the redis backend")
		}
	case BackendGorm:
		if err := c.Storage.Gorm.validate("storage.gorm"); err != nil {
			return err
		}
	case BackendSQL:
		if err := c.Storage.SQL.validate("storage.sql"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	if c.API.Enabled && c.API.LeaderboardSize <= 0 {
		return fmt.Errorf("api.leaderboard_size must be positive")
	}

	if c.API.AdminEnabled && c.API.AdminPassword == "" {
		return fmt.Errorf("api.admin_password is required when admin is enabled")
	}

	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("newrelic.license_key is required when newrelic is enabled")
	}

	if c.Notify.Enabled && c.Notify.DiscordURL == "" && (c.Notify.TelegramBot == "" || c.Notify.TelegramChat == "") {
		return fmt.Errorf("notify needs discord_url or telegram_bot and telegram_chat when enabled")
	}

	return nil
}

func (d DBConfig) validate(section string) error {
	if d.Driver != "postgres" && d.Driver != "sqlite" {
		return fmt.Errorf("%s.driver must be postgres or sqlite", section)
	}
	if d.DSN == "" {
		return fmt.Errorf("%s.dsn is required", section)
	}
	return nil
}
