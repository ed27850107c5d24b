// Package config provides the runtime defaults, environment loading, and
// sanitization for the linechat server, gateway, and event publishing.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// ServerConfig holds the reactor settings.
type ServerConfig struct {
	Addr           string
	QuitToken      string
	MaxLineLength  int
	MaxConnections int
	IdleTimeout    time.Duration
	PollInterval   time.Duration
	ReadChunkSize  int
}

// GatewayConfig holds the WebSocket gateway settings. An empty Addr disables
// the gateway.
type GatewayConfig struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// EventsConfig controls where lifecycle events are mirrored. An empty NATSURL
// keeps events local to the log.
type EventsConfig struct {
	NATSURL string
	Subject string
}

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig
	Gateway  GatewayConfig
	Events   EventsConfig
	LogLevel string
}

const (
	defaultAddr           = ":8090"
	defaultQuitToken      = "quit"
	defaultMaxLineLength  = 64 * 1024
	defaultPollInterval   = 250 * time.Millisecond
	defaultReadChunkSize  = 4096
	defaultMaxMessageSize = 512
	defaultBurst          = 5
	defaultSubject        = "linechat.events"
	defaultLogLevel       = "info"
)

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:          defaultAddr,
			QuitToken:     defaultQuitToken,
			MaxLineLength: defaultMaxLineLength,
			PollInterval:  defaultPollInterval,
			ReadChunkSize: defaultReadChunkSize,
		},
		Gateway: GatewayConfig{
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize: defaultMaxMessageSize,
			RateLimit: RateLimitConfig{
				Burst:          defaultBurst,
				RefillInterval: time.Second,
			},
		},
		Events: EventsConfig{
			Subject: defaultSubject,
		},
		LogLevel: defaultLogLevel,
	}
}

// Sanitize replaces zero or invalid values with defaults and returns the result.
// MaxConnections and IdleTimeout are left alone since zero disables them.
func Sanitize(cfg Config) Config {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}
	cfg.Server.QuitToken = strings.TrimRight(cfg.Server.QuitToken, "\r\n")
	if cfg.Server.QuitToken == "" {
		cfg.Server.QuitToken = defaultQuitToken
	}
	if cfg.Server.MaxLineLength <= 0 {
		cfg.Server.MaxLineLength = defaultMaxLineLength
	}
	if cfg.Server.MaxConnections < 0 {
		cfg.Server.MaxConnections = 0
	}
	if cfg.Server.IdleTimeout < 0 {
		cfg.Server.IdleTimeout = 0
	}
	if cfg.Server.PollInterval <= 0 {
		cfg.Server.PollInterval = defaultPollInterval
	}
	if cfg.Server.ReadChunkSize <= 0 {
		cfg.Server.ReadChunkSize = defaultReadChunkSize
	}

	if cfg.Gateway.MaxMessageSize <= 0 {
		cfg.Gateway.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.Gateway.RateLimit.Burst <= 0 {
		cfg.Gateway.RateLimit.Burst = defaultBurst
	}
	if cfg.Gateway.RateLimit.RefillInterval <= 0 {
		cfg.Gateway.RateLimit.RefillInterval = time.Second
	}
	cfg.Gateway.AllowedOrigins = append([]string(nil), cfg.Gateway.AllowedOrigins...)

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = defaultSubject
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if token := os.Getenv("CHAT_QUIT_TOKEN"); token != "" {
		cfg.Server.QuitToken = token
	}
	if v := os.Getenv("CHAT_MAX_LINE_LENGTH"); v != "" {
		cfg.Server.MaxLineLength = parseIntValue(v, cfg.Server.MaxLineLength)
	}
	if v := os.Getenv("CHAT_MAX_CONNECTIONS"); v != "" {
		cfg.Server.MaxConnections = parseIntValue(v, cfg.Server.MaxConnections)
	}
	if v := os.Getenv("CHAT_IDLE_TIMEOUT"); v != "" {
		cfg.Server.IdleTimeout = parseSeconds(v, cfg.Server.IdleTimeout)
	}
	if v := os.Getenv("CHAT_POLL_INTERVAL_MS"); v != "" {
		cfg.Server.PollInterval = parseMillis(v, cfg.Server.PollInterval)
	}
	if v := os.Getenv("CHAT_READ_CHUNK_SIZE"); v != "" {
		cfg.Server.ReadChunkSize = parseIntValue(v, cfg.Server.ReadChunkSize)
	}

	if addr := os.Getenv("GATEWAY_ADDR"); addr != "" {
		cfg.Gateway.Addr = addr
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Gateway.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.Gateway.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.Gateway.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.Gateway.RateLimit.Burst = parseIntValue(burst, cfg.Gateway.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.Gateway.RateLimit.RefillInterval = parseSeconds(interval, cfg.Gateway.RateLimit.RefillInterval)
	}

	if url := os.Getenv("EVENTS_NATS_URL"); url != "" {
		cfg.Events.NATSURL = url
	}
	if subject := os.Getenv("EVENTS_SUBJECT"); subject != "" {
		cfg.Events.Subject = subject
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(level))
	}

	cfg = Sanitize(cfg)
	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseMillis(value string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
