// Package server provides configuration helpers that define runtime defaults,
// validation, and loading from file and environment for the hub.
package server

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refillInterval"`
}

// AuthConfig configures handshake verification.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwtSecret"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

// HubConfig configures fan-out and message limits.
type HubConfig struct {
	SendBufferSize   int           `mapstructure:"sendBufferSize"`
	MaxMessageLength int           `mapstructure:"maxMessageLength"`
	RingTimeout      time.Duration `mapstructure:"ringTimeout"`
}

// SignalingConfig configures the call relay rooms.
type SignalingConfig struct {
	MaxPeers int `mapstructure:"maxPeers"`
}

// DatabaseConfig locates the collaborator store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `mapstructure:"port"`
	AllowedOrigins  []string        `mapstructure:"allowedOrigins"`
	MaxMessageSize  int64           `mapstructure:"maxMessageSize"`
	RateLimit       RateLimitConfig `mapstructure:"rateLimit"`
	Auth            AuthConfig      `mapstructure:"auth"`
	Hub             HubConfig       `mapstructure:"hub"`
	Signaling       SignalingConfig `mapstructure:"signaling"`
	Database        DatabaseConfig  `mapstructure:"database"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
	Log             LogConfig       `mapstructure:"log"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdownTimeout"`
}

const defaultJWTSecret = "change-me-in-production"

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Port:           ":8080",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 16 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			JWTSecret:        defaultJWTSecret,
			HandshakeTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			SendBufferSize:   256,
			MaxMessageLength: 2048,
			RingTimeout:      45 * time.Second,
		},
		Signaling:       SignalingConfig{MaxPeers: 8},
		Database:        DatabaseConfig{Path: "./chat.db"},
		Metrics:         MetricsConfig{Enabled: true},
		Log:             LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sanitize replaces unusable values with defaults and normalizes origins.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Auth.HandshakeTimeout <= 0 {
		c.Auth.HandshakeTimeout = def.Auth.HandshakeTimeout
	}
	if c.Hub.SendBufferSize <= 0 {
		c.Hub.SendBufferSize = def.Hub.SendBufferSize
	}
	if c.Hub.MaxMessageLength <= 0 {
		c.Hub.MaxMessageLength = def.Hub.MaxMessageLength
	}
	if c.Hub.RingTimeout < 0 {
		c.Hub.RingTimeout = 0
	}
	if c.Signaling.MaxPeers <= 0 {
		c.Signaling.MaxPeers = def.Signaling.MaxPeers
	}
	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// LoadConfig reads configuration from defaults, the optional YAML file at
// path, and CHATHUB_* environment variables, in increasing precedence.
func LoadConfig(logger *slog.Logger, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chathub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHATHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		logger.Warn("config file not found; relying on defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg = cfg.Sanitize()
	if cfg.Auth.JWTSecret == defaultJWTSecret {
		logger.Warn("using the default JWT secret; set auth.jwtSecret")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("port", d.Port)
	v.SetDefault("allowedOrigins", d.AllowedOrigins)
	v.SetDefault("maxMessageSize", d.MaxMessageSize)
	v.SetDefault("rateLimit.burst", d.RateLimit.Burst)
	v.SetDefault("rateLimit.refillInterval", d.RateLimit.RefillInterval)
	v.SetDefault("auth.jwtSecret", d.Auth.JWTSecret)
	v.SetDefault("auth.handshakeTimeout", d.Auth.HandshakeTimeout)
	v.SetDefault("hub.sendBufferSize", d.Hub.SendBufferSize)
	v.SetDefault("hub.maxMessageLength", d.Hub.MaxMessageLength)
	v.SetDefault("hub.ringTimeout", d.Hub.RingTimeout)
	v.SetDefault("signaling.maxPeers", d.Signaling.MaxPeers)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("shutdownTimeout", d.ShutdownTimeout)
}
