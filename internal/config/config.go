package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env:        environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:":3004"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Auth
	JWTSecret       string `env:"WS_JWT_SECRET,required"`
	AllowedOrigins  string `env:"WS_ALLOWED_ORIGINS" envDefault:"*"`
	PublicEndpoints string `env:"WS_PUBLIC_ENDPOINTS" envDefault:""` // comma-separated paths where auth is waived

	// Backend collaborators
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	PostgresDSN string `env:"POSTGRES_DSN" envDefault:""` // empty = in-memory dev store
	RedisAddr   string `env:"REDIS_ADDR" envDefault:""`   // empty = no KV cache

	// Heartbeat
	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"10s"`

	// Per-connection message budget, reset every minute
	RateLimitPerMinute int `env:"WS_RATE_LIMIT_PER_MINUTE" envDefault:"600"`

	// Frame limits
	MaxPayloadBytes int64 `env:"WS_MAX_PAYLOAD_BYTES" envDefault:"1048576"` // 1 MiB

	// Connection admission
	MaxConnections       int     `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	ConnRateIPBurst      int     `env:"WS_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec     float64 `env:"WS_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"WS_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64 `env:"WS_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`
	CPURejectThreshold   float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MaxGoroutines        int     `env:"WS_MAX_GOROUTINES" envDefault:"50000"`
	MemoryLimit          int64   `env:"WS_MEMORY_LIMIT" envDefault:"1073741824"` // 1GB

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the optional .env file and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("WS_JWT_SECRET must be at least 16 bytes")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("WS_RATE_LIMIT_PER_MINUTE must be > 0, got %d", c.RateLimitPerMinute)
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT (%s) must be < WS_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// PublicEndpointSet returns the auth-waived endpoint paths as a set.
func (c *Config) PublicEndpointSet() map[string]bool {
	set := make(map[string]bool)
	for _, p := range strings.Split(c.PublicEndpoints, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			set[p] = true
		}
	}
	return set
}

// OriginList returns the allowed origins, or nil when all are allowed.
func (c *Config) OriginList() []string {
	if c.AllowedOrigins == "" || c.AllowedOrigins == "*" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// LogConfig logs the effective configuration at startup. The JWT secret
// and DSNs are intentionally omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Bool("postgres_configured", c.PostgresDSN != "").
		Bool("redis_configured", c.RedisAddr != "").
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Int("rate_limit_per_minute", c.RateLimitPerMinute).
		Int64("max_payload_bytes", c.MaxPayloadBytes).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
