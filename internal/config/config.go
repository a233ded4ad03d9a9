package config

import (
	"fmt"
	"time"
)

// Durable log backends.
const (
	LogBackendSQLite = "sqlite"
	LogBackendBadger = "badger"
)

// Ephemeral bus backends.
const (
	BusBackendRelay = "relay"
	BusBackendRedis = "redis"
)

// Config holds configuration for both the relay server and chat clients.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Relay server.
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	PublishRateLimit  int           `mapstructure:"publish_rate_limit" yaml:"publish_rate_limit"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`

	// Storage.
	DatabasePath string        `mapstructure:"database_path" yaml:"database_path"`
	LogBackend   string        `mapstructure:"log_backend" yaml:"log_backend"`
	BadgerPath   string        `mapstructure:"badger_path" yaml:"badger_path"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Ephemeral transport.
	BusBackend  string `mapstructure:"bus_backend" yaml:"bus_backend"`
	RelayURL    string `mapstructure:"relay_url" yaml:"relay_url"`
	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`

	// Session reconciliation.
	ReconcileWindow time.Duration `mapstructure:"reconcile_window" yaml:"reconcile_window"`
	ReplayTimeout   time.Duration `mapstructure:"replay_timeout" yaml:"replay_timeout"`

	// Identity.
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTRequired bool          `mapstructure:"jwt_required" yaml:"jwt_required"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	// UserID is a fixed identity for the chat client when no token is set.
	UserID string `mapstructure:"user_id" yaml:"user_id"`
	// Token is the chat client's signed identity token.
	Token string `mapstructure:"token" yaml:"token"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel:          "info",
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		PublishRateLimit:  120,
		MaxMessageBytes:   64 << 10,
		DatabasePath:      "wirechat.db",
		LogBackend:        LogBackendSQLite,
		BadgerPath:        "wirechat-badger",
		PollInterval:      time.Second,
		BusBackend:        BusBackendRelay,
		RelayURL:          "ws://localhost:8080/ws",
		RedisAddr:         "localhost:6379",
		TopicPrefix:       "chat/messages/",
		ReconcileWindow:   10 * time.Second,
		ReplayTimeout:     10 * time.Second,
		JWTIssuer:         "wirechat",
		JWTAudience:       "wirechat",
		TokenTTL:          24 * time.Hour,
	}
}

// Validate reports settings that would leave a session unusable.
func (c *Config) Validate() error {
	switch c.LogBackend {
	case LogBackendSQLite, LogBackendBadger:
	default:
		return fmt.Errorf("unknown log_backend %q", c.LogBackend)
	}
	switch c.BusBackend {
	case BusBackendRelay, BusBackendRedis:
	default:
		return fmt.Errorf("unknown bus_backend %q", c.BusBackend)
	}
	if c.ReconcileWindow <= 0 {
		return fmt.Errorf("reconcile_window must be positive")
	}
	if c.ReplayTimeout <= 0 {
		return fmt.Errorf("replay_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.JWTRequired && c.JWTSecret == "" {
		return fmt.Errorf("jwt_required needs jwt_secret")
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LogBackend != "" {
		c.LogBackend = other.LogBackend
	}
	if other.BusBackend != "" {
		c.BusBackend = other.BusBackend
	}
	if other.RelayURL != "" {
		c.RelayURL = other.RelayURL
	}
	if other.RedisAddr != "" {
		c.RedisAddr = other.RedisAddr
	}
	if other.ReconcileWindow != 0 {
		c.ReconcileWindow = other.ReconcileWindow
	}
	if other.UserID != "" {
		c.UserID = other.UserID
	}
	if other.Token != "" {
		c.Token = other.Token
	}
}
