package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Database.Path != "./cardledger.db" {
		t.Errorf("expected default database path, got %s", cfg.Database.Path)
	}
	if cfg.Sync.Interval != 15*time.Minute {
		t.Errorf("expected default sync interval 15m, got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.Workers != 5 {
		t.Errorf("expected default 5 workers, got %d", cfg.Sync.Workers)
	}
	if cfg.Sync.MinManualBatch != 5 {
		t.Errorf("expected default min manual batch 5, got %d", cfg.Sync.MinManualBatch)
	}
	if cfg.Feed.DailyLimit != 5000 {
		t.Errorf("expected default daily limit 5000, got %d", cfg.Feed.DailyLimit)
	}
	if cfg.Rollover.Hour != 23 {
		t.Errorf("expected default rollover hour 23, got %d", cfg.Rollover.Hour)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing port", func(c *Config) { c.Server.Port = "" }},
		{"missing database path", func(c *Config) { c.Database.Path = "" }},
		{"missing feed url", func(c *Config) { c.Feed.BaseURL = "" }},
		{"tiny feed timeout", func(c *Config) { c.Feed.Timeout = time.Millisecond }},
		{"zero request rate", func(c *Config) { c.Feed.RequestsPerSecond = 0 }},
		{"short sync interval", func(c *Config) { c.Sync.Interval = time.Second }},
		{"too many workers", func(c *Config) { c.Sync.Workers = 500 }},
		{"deadline below call timeout", func(c *Config) { c.Sync.RunDeadline = time.Millisecond }},
		{"zero manual batch", func(c *Config) { c.Sync.MinManualBatch = 0 }},
		{"bad rollover hour", func(c *Config) { c.Rollover.Hour = 24 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
