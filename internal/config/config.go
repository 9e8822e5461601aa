package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache"    validate:"required"`
	Realtime RealtimeConfig `mapstructure:"realtime" validate:"required"`
	Delivery DeliveryConfig `mapstructure:"delivery" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// ShutdownTimeoutSeconds bounds graceful shutdown (HTTP drain, socket close, queue drain).
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// Driver "memory" keeps entities in process memory, which is only suitable
// for a single node or local development.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL    string `mapstructure:"url"    validate:"required_if=Driver postgres"`
}

// RedisConfig configures the shared cache backend and the cross-process event bus.
// When URL is empty both fall back to in-process implementations.
type RedisConfig struct {
	URL     string `mapstructure:"url"     validate:"omitempty,url"`
	Channel string `mapstructure:"channel" validate:"required"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// CacheConfig controls both cache tiers.
type CacheConfig struct {
	TTLSeconds    int `mapstructure:"ttl_seconds"    validate:"required,gt=0"`
	LocalCapacity int `mapstructure:"local_capacity" validate:"required,gt=0"`
}

// RealtimeConfig controls websocket admission, heartbeats and rate limiting.
type RealtimeConfig struct {
	MaxConnections           int      `mapstructure:"max_connections"            validate:"required,gt=0"`
	HandshakesPerSecond      float64  `mapstructure:"handshakes_per_second"      validate:"gte=0"`
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds" validate:"required,gt=0"`
	RateLimitMessages        int      `mapstructure:"rate_limit_messages"        validate:"required,gt=0"`
	RateLimitWindowSeconds   int      `mapstructure:"rate_limit_window_seconds"  validate:"required,gt=0"`
	SendQueueSize            int      `mapstructure:"send_queue_size"            validate:"required,gt=0"`
	AllowedOrigins           []string `mapstructure:"allowed_origins"`
}

// DeliveryConfig controls the delivery guard and the relay's delivery queue.
type DeliveryConfig struct {
	QueueSize             int `mapstructure:"queue_size"              validate:"required,gt=0"`
	WorkerCount           int `mapstructure:"worker_count"            validate:"required,gt=0"`
	MaxAttempts           int `mapstructure:"max_attempts"            validate:"required,gt=0"`
	BaseBackoffMillis     int `mapstructure:"base_backoff_millis"     validate:"required,gt=0"`
	MaxBackoffMillis      int `mapstructure:"max_backoff_millis"      validate:"required,gtefield=BaseBackoffMillis"`
	ErrorThresholdPercent int `mapstructure:"error_threshold_percent" validate:"required,gt=0,lte=100"`
	MinimumRequests       int `mapstructure:"minimum_requests"        validate:"required,gt=0"`
	WindowSeconds         int `mapstructure:"window_seconds"          validate:"required,gt=0"`
	CooldownSeconds       int `mapstructure:"cooldown_seconds"        validate:"required,gt=0"`
}
