// Package config loads process configuration from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/giftwell/platform/internal/ratelimit"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Redis     ratelimit.RedisConfig `mapstructure:"redis"`
	RateLimit RateLimitConfig       `mapstructure:"ratelimit"`
	LogLevel  string                `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// RateLimitConfig configures the limiter subsystem wiring.
type RateLimitConfig struct {
	// Enabled switches the whole subsystem; when false the middleware is
	// not installed at all.
	Enabled bool `mapstructure:"enabled"`

	// OverridesFile points at an optional YAML file of per-category
	// overrides merged over the built-in presets.
	OverridesFile string `mapstructure:"overrides_file"`

	// WatchOverrides reloads the overrides file on change.
	WatchOverrides bool `mapstructure:"watch_overrides"`
}

// Load reads configuration from config.yaml (if present, in the working
// directory or /etc/giftwell) and GIFTWELL_* environment variables, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("ratelimit.enabled", true)

	def := ratelimit.DefaultRedisConfig()
	v.SetDefault("redis.addr", def.Addr)
	v.SetDefault("redis.db", def.DB)
	v.SetDefault("redis.pool_size", def.PoolSize)
	v.SetDefault("redis.dial_timeout", def.DialTimeout)
	v.SetDefault("redis.op_timeout", def.OpTimeout)
	v.SetDefault("redis.reconnect_base_delay", def.ReconnectBaseDelay)
	v.SetDefault("redis.reconnect_max_delay", def.ReconnectMaxDelay)
	v.SetDefault("redis.max_reconnect_attempts", def.MaxReconnectAttempts)
	v.SetDefault("redis.health_check_interval", def.HealthCheckInterval)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/giftwell")

	v.SetEnvPrefix("GIFTWELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}
