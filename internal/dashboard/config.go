// Package dashboard implements the agentboard dashboard server.
package dashboard

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds dashboard configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Database
	DatabasePath string

	// Data directory for the database and CLI probe cache
	DataDir string

	// Security
	AllowedOrigins []string // optional, for CORS and WebSocket origin validation

	// How long CLI probe results are served from cache
	CLIStatusTTL time.Duration

	// Insert default departments and agents into an empty database
	Seed bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("AGENTBOARD_DATA_DIR", "./data")

	cfg := &Config{
		ListenAddr:     getEnv("AGENTBOARD_LISTEN", ":8000"),
		DataDir:        dataDir,
		DatabasePath:   getEnv("AGENTBOARD_DB_PATH", filepath.Join(dataDir, "agentboard.db")),
		AllowedOrigins: parseOrigins("AGENTBOARD_ALLOWED_ORIGINS"),
		CLIStatusTTL:   parseDuration("AGENTBOARD_CLI_STATUS_TTL", 5*time.Minute),
		Seed:           parseBool("AGENTBOARD_SEED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration after flags were applied.
func (c *Config) Validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "AGENTBOARD_LISTEN must not be empty")
	}
	if c.DatabasePath == "" {
		errs = append(errs, "AGENTBOARD_DB_PATH must not be empty")
	}
	if c.CLIStatusTTL <= 0 {
		errs = append(errs, "AGENTBOARD_CLI_STATUS_TTL must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// OriginAllowed reports whether a browser origin may connect. An empty
// allow-list accepts every origin.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
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

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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
