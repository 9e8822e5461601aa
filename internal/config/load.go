package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load,
// e.g. TANDEM_SERVER_PORT or TANDEM_REDIS_URL.
const EnvPrefix = "TANDEM"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file; absence is not an error
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct validation over a populated Config.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 15)

	v.SetDefault("database.driver", "postgres")

	v.SetDefault("redis.channel", "tandem:events")

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.local_capacity", 10000)

	v.SetDefault("realtime.max_connections", 10000)
	v.SetDefault("realtime.handshakes_per_second", 200)
	v.SetDefault("realtime.heartbeat_interval_seconds", 30)
	v.SetDefault("realtime.rate_limit_messages", 100)
	v.SetDefault("realtime.rate_limit_window_seconds", 60)
	v.SetDefault("realtime.send_queue_size", 256)

	v.SetDefault("delivery.queue_size", 1024)
	v.SetDefault("delivery.worker_count", 4)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.base_backoff_millis", 100)
	v.SetDefault("delivery.max_backoff_millis", 2000)
	v.SetDefault("delivery.error_threshold_percent", 50)
	v.SetDefault("delivery.minimum_requests", 10)
	v.SetDefault("delivery.window_seconds", 10)
	v.SetDefault("delivery.cooldown_seconds", 30)
}

// bindEnvs registers keys that have no default so AutomaticEnv can see them
// during Unmarshal.
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{
		"database.url",
		"redis.url",
		"auth.jwt_secret",
		"realtime.allowed_origins",
	} {
		_ = v.BindEnv(key)
	}
}
