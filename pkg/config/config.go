// Package config loads and validates the haplink server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (HAPLINK_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nexhaptics/haplink/internal/tracing"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/gateway"
	"github.com/nexhaptics/haplink/pkg/pattern"
	"github.com/nexhaptics/haplink/pkg/registry"
	"github.com/nexhaptics/haplink/pkg/security"
	"github.com/nexhaptics/haplink/pkg/telemetry"
)

// Config is the full haplink server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Tracing controls OpenTelemetry distributed tracing.
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Server configures the websocket listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Store configures device and telemetry persistence.
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Token configures session credential verification.
	Token security.TokenConfig `mapstructure:"token" yaml:"token"`

	// Security configures the guard: blacklisting, rate limits, crypto.
	Security security.Config `mapstructure:"security" yaml:"security"`

	// Gateway configures session handling.
	Gateway gateway.Config `mapstructure:"gateway" yaml:"gateway"`

	// Registry configures device lifecycle management.
	Registry registry.Config `mapstructure:"registry" yaml:"registry"`

	// Command configures the command processor.
	Command command.Config `mapstructure:"command" yaml:"command"`

	// Retry shapes dispatch retry delays.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Pattern configures the pattern engine and its safety envelope.
	Pattern pattern.Config `mapstructure:"pattern" yaml:"pattern"`

	// Telemetry configures the telemetry pipeline.
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// DeviceTypesDir is the directory of device-type catalog files.
	// Empty disables the catalog.
	DeviceTypesDir string `mapstructure:"device_types_dir" yaml:"device_types_dir,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file
	// path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint. Zero serves it on
	// the main server port.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// Path is the websocket endpoint path.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Backend selects the KV store: "badger" or "memory".
	Backend string `mapstructure:"backend" validate:"required,oneof=badger memory" yaml:"backend"`

	// Dir is the Badger data directory. Required for the badger backend.
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// RetryConfig is the serializable form of the dispatch retry strategy.
type RetryConfig struct {
	// Backoff selects the delay shape: fixed, linear, or exponential.
	Backoff string `mapstructure:"backoff" validate:"required,oneof=fixed linear exponential" yaml:"backoff"`

	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gt=0" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`

	// Jitter applies ±10% randomization to exponential delays.
	Jitter bool `mapstructure:"jitter" yaml:"jitter"`
}

// Strategy converts the config to the fault package's retry strategy.
// maxAttempts comes from the command processor configuration.
func (r RetryConfig) Strategy(maxAttempts int) fault.Strategy {
	return fault.Strategy{
		MaxAttempts:  maxAttempts,
		Backoff:      fault.Backoff(r.Backoff),
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Jitter:       r.Jitter,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath uses the default location; a missing file there is
// acceptable and yields pure defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file
// is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  haplinkd init\n\n"+
				"Or specify a custom config file:\n"+
				"  haplinkd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  haplinkd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries the token secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures environment variables and config file settings.
// Environment variables use the HAPLINK_ prefix and underscores, e.g.
// HAPLINK_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("HAPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are nanoseconds.
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config, or the current directory
// if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "haplink")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "haplink")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
