// Package config handles watch-client configuration from a YAML file and
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Reconnect policies
const (
	ReconnectConstant    = "constant"
	ReconnectExponential = "exponential"
)

// Intervals holds the refresh period of each polled data source.
type Intervals struct {
	Stats     time.Duration `yaml:"stats" validate:"min=100ms"`
	Tasks     time.Duration `yaml:"tasks" validate:"min=100ms"`
	Agents    time.Duration `yaml:"agents" validate:"min=100ms"`
	Settings  time.Duration `yaml:"settings" validate:"min=100ms"`
	CLIStatus time.Duration `yaml:"cli_status" validate:"min=100ms"`
}

// Config holds all watch-client configuration.
type Config struct {
	// Connection
	Origin    string `yaml:"origin" validate:"required,url"` // dashboard origin (http:// or https://)
	Reconnect string `yaml:"reconnect" validate:"oneof=constant exponential"`

	// Behavior
	Intervals Intervals `yaml:"intervals"`
	LogLevel  string    `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Origin:    "http://localhost:8000",
		Reconnect: ReconnectConstant,
		Intervals: Intervals{
			Stats:     3 * time.Second,
			Tasks:     3 * time.Second,
			Agents:    3 * time.Second,
			Settings:  30 * time.Second,
			CLIStatus: 60 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		// Empty file
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if origin := os.Getenv("AGENTBOARD_ORIGIN"); origin != "" {
		c.Origin = origin
	}

	if level := os.Getenv("AGENTBOARD_LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(level)
	}

	if reconnect := os.Getenv("AGENTBOARD_RECONNECT"); reconnect != "" {
		c.Reconnect = reconnect
	}

	// One interval for the fast-moving sources
	if interval := os.Getenv("AGENTBOARD_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return errors.New("AGENTBOARD_POLL_INTERVAL must be a duration (e.g. 3s)")
		}
		c.Intervals.Stats = d
		c.Intervals.Tasks = d
		c.Intervals.Agents = d
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: invalid value %v (%s)", fe.Namespace(), fe.Value(), fe.Tag()))
	}
	return errors.New("invalid config: " + strings.Join(msgs, "; "))
}
