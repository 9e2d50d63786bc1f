package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional hearth.yaml in the working
// directory or /etc/hearth, then overlays environment variables with the
// HEARTH_ prefix (HEARTH_DATABASE_URL, HEARTH_SERVER_PORT, ...). The result
// is validated before being returned.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.url", "")
	v.SetDefault("worker.slots", 2)
	v.SetDefault("worker.lease_seconds", 60)
	v.SetDefault("worker.idle_seconds", 1)
	v.SetDefault("worker.max_idle_seconds", 30)
	v.SetDefault("worker.script_max_tries", 3)
	v.SetDefault("retry.base_delay_seconds", 30)
	v.SetDefault("retry.max_delay_seconds", 3600)
	v.SetDefault("retry.jitter_frac", 0.1)

	v.SetConfigName("hearth")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hearth")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file is fine; env and defaults carry the load.
	}

	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
