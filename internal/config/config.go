// Package config loads and validates application configuration from
// environment variables and an optional config file.
package config

// Config holds all application configuration, grouped by concern.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// ServerConfig contains the operator API server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the Postgres settings. An empty URL selects the
// in-memory backend, for development and single-process deployments.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// WorkerConfig contains the task worker settings.
type WorkerConfig struct {
	Slots          int `mapstructure:"slots"            validate:"gte=1"`
	LeaseSeconds   int `mapstructure:"lease_seconds"    validate:"gte=1"`
	IdleSeconds    int `mapstructure:"idle_seconds"     validate:"gte=1"`
	MaxIdleSeconds int `mapstructure:"max_idle_seconds" validate:"gte=1"`
	ScriptMaxTries int `mapstructure:"script_max_tries" validate:"gte=1"`
}

// RetryConfig controls task retry scheduling.
type RetryConfig struct {
	BaseDelaySeconds int     `mapstructure:"base_delay_seconds" validate:"gte=1"`
	MaxDelaySeconds  int     `mapstructure:"max_delay_seconds"  validate:"gte=1"`
	JitterFrac       float64 `mapstructure:"jitter_frac"        validate:"gte=0,lte=1"`
}
