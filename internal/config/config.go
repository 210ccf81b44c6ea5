// Package config handles training client configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// DefaultURL is the training server endpoint used when RLVIZ_URL is unset.
const DefaultURL = "ws://localhost:8888/subscribe/train"

// Config holds all client configuration.
type Config struct {
	// Connection
	ServerURL string // WebSocket URL (ws:// or wss://)
	Token     string // Optional bearer token

	// Inspectors
	DefaultInspector  bool // Re-create a progress inspector after reconnect if none exists
	ProgressFrequency int  // Ticks per run for the default progress inspector

	// Behavior
	LogLevel string // Logging level (debug, info, warn, error)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:         DefaultURL,
		DefaultInspector:  true,
		ProgressFrequency: 1000,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if url := os.Getenv("RLVIZ_URL"); url != "" {
		cfg.ServerURL = url
	}

	cfg.Token = os.Getenv("RLVIZ_TOKEN")

	if v := os.Getenv("RLVIZ_DEFAULT_INSPECTOR"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("RLVIZ_DEFAULT_INSPECTOR must be a boolean")
		}
		cfg.DefaultInspector = enabled
	}

	if v := os.Getenv("RLVIZ_PROGRESS_FREQUENCY"); v != "" {
		freq, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("RLVIZ_PROGRESS_FREQUENCY must be a number")
		}
		cfg.ProgressFrequency = freq
	}

	if level := os.Getenv("RLVIZ_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return errors.New("server URL must use ws:// or wss://")
	}
	if c.ProgressFrequency < 10 {
		return errors.New("progress frequency must be at least 10")
	}
	return nil
}
