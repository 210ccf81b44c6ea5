// Package trainserver implements the RLViz training server: the remote side
// of the /subscribe/train protocol, with simulated training runs recorded in
// SQLite.
package trainserver

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Authentication
	TokenHash string // bcrypt hash of the bearer token, empty disables auth

	// Database
	DatabasePath string

	// Training
	StepDelay       time.Duration // pause after each simulated episode
	DefaultEpisodes int           // used when agent.params.nEpisodes is absent

	// Security
	AllowedOrigins []string // optional, for WebSocket origin validation
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:      getEnv("RLVIZ_LISTEN", ":8888"),
		TokenHash:       os.Getenv("RLVIZ_TOKEN_HASH"),
		DatabasePath:    getEnv("RLVIZ_DB_PATH", "rlviz.db"),
		StepDelay:       parseDuration("RLVIZ_STEP_DELAY", 10*time.Millisecond),
		DefaultEpisodes: parseInt("RLVIZ_DEFAULT_EPISODES", 1000),
		AllowedOrigins:  parseOrigins("RLVIZ_ALLOWED_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns a configuration for an in-memory server without
// authentication.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8888",
		DatabasePath:    ":memory:",
		StepDelay:       10 * time.Millisecond,
		DefaultEpisodes: 1000,
	}
}

func (c *Config) validate() error {
	var errs []string

	if c.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			errs = append(errs, "RLVIZ_TOKEN_HASH is not a bcrypt hash")
		}
	}
	if c.StepDelay < 0 {
		errs = append(errs, "RLVIZ_STEP_DELAY must not be negative")
	}
	if c.DefaultEpisodes <= 0 {
		errs = append(errs, "RLVIZ_DEFAULT_EPISODES must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasAuth returns true if a bearer token is required.
func (c *Config) HasAuth() bool {
	return c.TokenHash != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
