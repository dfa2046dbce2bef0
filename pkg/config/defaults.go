package config

import (
	"strings"
	"time"

	"github.com/nexhaptics/haplink/internal/tracing"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/gateway"
	"github.com/nexhaptics/haplink/pkg/pattern"
	"github.com/nexhaptics/haplink/pkg/registry"
	"github.com/nexhaptics/haplink/pkg/security"
	"github.com/nexhaptics/haplink/pkg/telemetry"
)

// GetDefaultConfig returns the configuration used when no config file
// exists. The token secret is intentionally empty; startup fails
// validation until one is provided.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values (0, "", false, nil) are replaced; explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTracingDefaults(&cfg.Tracing)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyTokenDefaults(&cfg.Token)
	applySecurityDefaults(&cfg.Security)
	applyGatewayDefaults(&cfg.Gateway)
	applyRegistryDefaults(&cfg.Registry)
	applyCommandDefaults(&cfg.Command)
	applyRetryDefaults(&cfg.Retry)
	applyPatternDefaults(&cfg.Pattern)
	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyLoggingDefaults sets logging defaults and normalizes the level.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTracingDefaults(cfg *tracing.Config) {
	def := tracing.DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = def.ServiceVersion
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8750
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "badger"
	}
	if cfg.Dir == "" && cfg.Backend == "badger" {
		cfg.Dir = "/var/lib/haplink"
	}
}

func applyTokenDefaults(cfg *security.TokenConfig) {
	if cfg.Issuer == "" {
		cfg.Issuer = "haplink"
	}
	if cfg.TokenDuration == 0 {
		cfg.TokenDuration = 15 * time.Minute
	}
}

func applySecurityDefaults(cfg *security.Config) {
	def := security.DefaultConfig()
	if cfg.FailedLoginThreshold == 0 {
		cfg.FailedLoginThreshold = def.FailedLoginThreshold
	}
	if cfg.BlacklistWindow == 0 {
		cfg.BlacklistWindow = def.BlacklistWindow
	}
	if cfg.BlacklistDuration == 0 {
		cfg.BlacklistDuration = def.BlacklistDuration
	}
	if cfg.ConnectionLimit == 0 {
		cfg.ConnectionLimit = def.ConnectionLimit
	}
	if cfg.ConnectionWindow == 0 {
		cfg.ConnectionWindow = def.ConnectionWindow
	}
	if cfg.GlobalLimit.Limit == 0 {
		cfg.GlobalLimit = def.GlobalLimit
	}
	if cfg.ConnectionLimitCfg.Limit == 0 {
		cfg.ConnectionLimitCfg = def.ConnectionLimitCfg
	}
	if cfg.UserLimit.Limit == 0 {
		cfg.UserLimit = def.UserLimit
	}
	if cfg.KeyGracePeriod == 0 {
		cfg.KeyGracePeriod = def.KeyGracePeriod
	}
	if cfg.KeyRotation == 0 {
		cfg.KeyRotation = def.KeyRotation
	}
	if cfg.ThreatRetention == 0 {
		cfg.ThreatRetention = def.ThreatRetention
	}
}

func applyGatewayDefaults(cfg *gateway.Config) {
	def := gateway.DefaultConfig()
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = def.MaxConcurrentSessions
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboundBuffer == 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = def.ReadLimit
	}
}

func applyRegistryDefaults(cfg *registry.Config) {
	def := registry.DefaultConfig()
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = def.ConnectRetries
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxErrorCount == 0 {
		cfg.MaxErrorCount = def.MaxErrorCount
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StorePrefix == "" {
		cfg.StorePrefix = def.StorePrefix
	}
}

func applyCommandDefaults(cfg *command.Config) {
	def := command.DefaultConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxQueueAge == 0 {
		cfg.MaxQueueAge = def.MaxQueueAge
	}
	if cfg.Rate.TokensPerInterval == 0 {
		cfg.Rate.TokensPerInterval = def.Rate.TokensPerInterval
	}
	if cfg.Rate.Interval == 0 {
		cfg.Rate.Interval = def.Rate.Interval
	}
	if cfg.Rate.BurstSize == 0 {
		cfg.Rate.BurstSize = def.Rate.BurstSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
}

func applyRetryDefaults(cfg *RetryConfig) {
	if cfg.Backoff == "" {
		cfg.Backoff = "exponential"
		cfg.Jitter = true
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
}

func applyPatternDefaults(cfg *pattern.Config) {
	def := pattern.DefaultConfig()
	if cfg.Safety.MaxIntensity == 0 {
		cfg.Safety.MaxIntensity = def.Safety.MaxIntensity
	}
	if cfg.Safety.MaxDuration == 0 {
		cfg.Safety.MaxDuration = def.Safety.MaxDuration
	}
	if cfg.Safety.MaxModifier == 0 {
		cfg.Safety.MaxModifier = def.Safety.MaxModifier
	}
	if cfg.TickResolution == 0 {
		cfg.TickResolution = def.TickResolution
	}
}

func applyTelemetryDefaults(cfg *telemetry.Config) {
	def := telemetry.DefaultConfig()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.AlertInterval == 0 {
		cfg.AlertInterval = def.AlertInterval
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.RetentionInterval == 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
}
