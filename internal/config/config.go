// Package config provides environment-driven configuration for the
// kernel, with .env support. Only the fields the execution kernel's
// ambient stack actually needs are modeled: logging and engine defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the kernel's ambient configuration.
type Config struct {
	Logging LoggingConfig
	Engine  EngineConfig
}

// LoggingConfig controls internal/obslog's handler construction.
type LoggingConfig struct {
	Level  string // debug|info|warn|error
	Format string // "json" or "text"
}

// EngineConfig holds the orchestrator's execution defaults, used when a
// workflow definition or caller doesn't override them.
type EngineConfig struct {
	DefaultMaxParallelism int
	DefaultStageTimeout   time.Duration
	DefaultMaxRetries     int
	TemplateCacheSize     int
	CloseGracePeriod      time.Duration
	CloseForceTimeout     time.Duration
}

// Load reads configuration from the environment, loading a .env file
// first (via godotenv) if one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Logging: LoggingConfig{
			Level:  getEnv("KERNEL_LOG_LEVEL", "info"),
			Format: getEnv("KERNEL_LOG_FORMAT", "json"),
		},
		Engine: EngineConfig{
			DefaultMaxParallelism: getEnvAsInt("KERNEL_DEFAULT_MAX_PARALLELISM", 4),
			DefaultStageTimeout:   getEnvAsDuration("KERNEL_DEFAULT_STAGE_TIMEOUT", 5*time.Minute),
			DefaultMaxRetries:     getEnvAsInt("KERNEL_DEFAULT_MAX_RETRIES", 1),
			TemplateCacheSize:     getEnvAsInt("KERNEL_TEMPLATE_CACHE_SIZE", 256),
			CloseGracePeriod:      getEnvAsDuration("KERNEL_CLOSE_GRACE_PERIOD", 30*time.Second),
			CloseForceTimeout:     getEnvAsDuration("KERNEL_CLOSE_FORCE_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants on Config.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}
	if c.Engine.DefaultMaxParallelism < 1 {
		return fmt.Errorf("engine default max parallelism must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
