// Package config loads runtime configuration from COCOON_-prefixed
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration for the serve command.
type ServerConfig struct {
	Addr string `envconfig:"ADDR" default:":8266"`
}

// EngineConfig holds execution engine configuration.
type EngineConfig struct {
	PoolSize              int           `envconfig:"POOL_SIZE" default:"10"`
	CacheCapacity         int           `envconfig:"CACHE_CAPACITY" default:"128"`
	Timeout               time.Duration `envconfig:"TIMEOUT" default:"2s"`
	MemoryLimit           int64         `envconfig:"MEMORY_LIMIT" default:"67108864"` // bytes
	CallBudget            int           `envconfig:"CALL_BUDGET" default:"1000"`
	SuspensionIdleTimeout time.Duration `envconfig:"SUSPENSION_IDLE_TIMEOUT" default:"5m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("cocoon", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault reads configuration from the environment, falling back to
// defaults if parsing fails.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8266",
		},
		Engine: EngineConfig{
			PoolSize:              10,
			CacheCapacity:         128,
			Timeout:               2 * time.Second,
			MemoryLimit:           64 << 20,
			CallBudget:            1000,
			SuspensionIdleTimeout: 5 * time.Minute,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}
