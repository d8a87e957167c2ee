package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Rollover RolloverConfig `mapstructure:"rollover"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig holds sqlite configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FeedConfig holds market feed API configuration
type FeedConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	DailyLimit        int           `mapstructure:"daily_limit"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

// SyncConfig holds sync orchestrator configuration
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Workers     int           `mapstructure:"workers"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	RunDeadline time.Duration `mapstructure:"run_deadline"`
	// MinManualBatch is the smallest watch-list a manual trigger syncs
	// immediately. Smaller requests are parked for the next scheduled run.
	MinManualBatch  int `mapstructure:"min_manual_batch"`
	MaxSaveAttempts int `mapstructure:"max_save_attempts"`
}

// RolloverConfig holds daily baseline rollover configuration
type RolloverConfig struct {
	Hour          int           `mapstructure:"hour"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Load reads configuration from an optional file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CARDLEDGER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})

	// Database defaults
	v.SetDefault("database.path", "./cardledger.db")

	// Feed defaults
	v.SetDefault("feed.base_url", "https://api.cardmarketfeed.example/v1")
	v.SetDefault("feed.timeout", "10s")
	v.SetDefault("feed.requests_per_second", 10.0)
	v.SetDefault("feed.daily_limit", 5000)
	v.SetDefault("feed.cache_ttl", "5m")

	// Sync defaults
	v.SetDefault("sync.interval", "15m")
	v.SetDefault("sync.workers", 5)
	v.SetDefault("sync.call_timeout", "5s")
	v.SetDefault("sync.run_deadline", "15m")
	v.SetDefault("sync.min_manual_batch", 5)
	v.SetDefault("sync.max_save_attempts", 3)

	// Rollover defaults
	v.SetDefault("rollover.hour", 23)
	v.SetDefault("rollover.check_interval", "15m")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required")
	}
	if c.Feed.Timeout < time.Second {
		return fmt.Errorf("feed.timeout must be at least 1 second")
	}
	if c.Feed.RequestsPerSecond <= 0 {
		return fmt.Errorf("feed.requests_per_second must be positive")
	}
	if c.Feed.DailyLimit < 1 {
		return fmt.Errorf("feed.daily_limit must be at least 1")
	}

	if c.Sync.Interval < time.Minute {
		return fmt.Errorf("sync.interval must be at least 1 minute")
	}
	if c.Sync.Workers < 1 || c.Sync.Workers > 100 {
		return fmt.Errorf("sync.workers must be between 1 and 100")
	}
	if c.Sync.CallTimeout < time.Second {
		return fmt.Errorf("sync.call_timeout must be at least 1 second")
	}
	if c.Sync.RunDeadline < c.Sync.CallTimeout {
		return fmt.Errorf("sync.run_deadline must be at least sync.call_timeout")
	}
	if c.Sync.MinManualBatch < 1 {
		return fmt.Errorf("sync.min_manual_batch must be at least 1")
	}
	if c.Sync.MaxSaveAttempts < 1 {
		return fmt.Errorf("sync.max_save_attempts must be at least 1")
	}

	if c.Rollover.Hour < 0 || c.Rollover.Hour > 23 {
		return fmt.Errorf("rollover.hour must be between 0 and 23")
	}
	if c.Rollover.CheckInterval < time.Minute {
		return fmt.Errorf("rollover.check_interval must be at least 1 minute")
	}

	return nil
}
