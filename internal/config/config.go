package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/sessionlink/internal/link"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	minReconnectCap = 30 * time.Second
	maxReconnectCap = 60 * time.Second
)

// Config holds all environment-based configuration for sessionlink.
type Config struct {
	// Backend endpoint, ws:// or wss://.
	URL string `env:"SESSIONLINK_URL"`

	// Credentials. One of APIKey or APIKeyFile is required; the file wins
	// when both are set and is watched for changes.
	APIKey     string `env:"SESSIONLINK_API_KEY"`
	APIKeyFile string `env:"SESSIONLINK_API_KEY_FILE"`

	// Session to resume on connect.
	SessionID string `env:"SESSIONLINK_SESSION_ID"`

	RecentSessionsLimit int `env:"RECENT_SESSIONS_LIMIT" envDefault:"10"`

	// Zero means the limit is never sent.
	MaxMessageSizeKB int `env:"MAX_MESSAGE_SIZE_KB" envDefault:"0"`

	ReconnectBase        time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectCap         time.Duration `env:"RECONNECT_CAP" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"20"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"45s"`
	PingInterval         time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"15s"`
	CoalesceWindow       time.Duration `env:"COALESCE_WINDOW" envDefault:"100ms"`
	RetentionPerSession  int           `env:"RETENTION_PER_SESSION" envDefault:"200"`
	ReachabilityPoll     time.Duration `env:"REACHABILITY_POLL" envDefault:"5s"`

	// StatePath defaults to ~/.sessionlink/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.APIKeyFile != "" {
		key, err := ReadKeyFile(cfg.APIKeyFile)
		if err != nil {
			return nil, err
		}

		cfg.APIKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("SESSIONLINK_URL is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("SESSIONLINK_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("SESSIONLINK_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("SESSIONLINK_URL has no host")
	}

	if c.APIKey == "" && c.APIKeyFile == "" {
		return fmt.Errorf("one of SESSIONLINK_API_KEY or SESSIONLINK_API_KEY_FILE is required")
	}

	if c.ReconnectCap < minReconnectCap || c.ReconnectCap > maxReconnectCap {
		return fmt.Errorf("RECONNECT_CAP must be between %s and %s, got %s", minReconnectCap, maxReconnectCap, c.ReconnectCap)
	}

	if c.ReconnectBase <= 0 || c.ReconnectBase > c.ReconnectCap {
		return fmt.Errorf("RECONNECT_BASE must be positive and no larger than RECONNECT_CAP")
	}

	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive")
	}

	for name, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"PING_INTERVAL":      c.PingInterval,
		"HANDSHAKE_TIMEOUT":  c.HandshakeTimeout,
		"COALESCE_WINDOW":    c.CoalesceWindow,
		"REACHABILITY_POLL":  c.ReachabilityPoll,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.RecentSessionsLimit < 0 {
		return fmt.Errorf("RECENT_SESSIONS_LIMIT must not be negative")
	}

	if c.MaxMessageSizeKB < 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE_KB must not be negative")
	}

	if c.RetentionPerSession <= 0 {
		return fmt.Errorf("RETENTION_PER_SESSION must be positive")
	}

	return nil
}

// ReadKeyFile returns the trimmed contents of an API key file.
func ReadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading API key file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// EngineConfig converts the environment configuration into the engine's.
func (c *Config) EngineConfig() link.Config {
	return link.Config{
		URL:                  c.URL,
		APIKey:               c.APIKey,
		SessionID:            c.SessionID,
		RecentSessionsLimit:  c.RecentSessionsLimit,
		MaxMessageSizeKB:     c.MaxMessageSizeKB,
		ReconnectBase:        c.ReconnectBase,
		ReconnectCap:         c.ReconnectCap,
		MaxReconnectAttempts: c.ReconnectMaxAttempts,
		HeartbeatInterval:    c.HeartbeatInterval,
		PingInterval:         c.PingInterval,
		HandshakeTimeout:     c.HandshakeTimeout,
		CoalesceWindow:       c.CoalesceWindow,
		Retention:            c.RetentionPerSession,
	}
}
