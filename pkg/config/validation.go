package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for structural errors using the
// `validate` struct tags, plus cross-field rules the tags cannot
// express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Store.Backend == "badger" && cfg.Store.Dir == "" {
		return fmt.Errorf("invalid configuration: store.dir is required for the badger backend")
	}
	if cfg.Gateway.PingTimeout >= cfg.Gateway.PingInterval {
		return fmt.Errorf("invalid configuration: gateway.ping_timeout must be below gateway.ping_interval")
	}
	if cfg.Retry.MaxDelay != 0 && cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return fmt.Errorf("invalid configuration: retry.max_delay must be at least retry.initial_delay")
	}

	return nil
}
