package rtsptap

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"rtsptap/pkg/rtsp"
)

// Config is the top-level YAML configuration for the rtsptap CLI.
type Config struct {
	Stream  StreamConfig  `yaml:"stream"`
	Logging LoggingConfig `yaml:"logging"`
}

// StreamConfig names the camera/server to pull from and how to reach it.
type StreamConfig struct {
	URL       string `yaml:"url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Transport string `yaml:"transport"` // "udp" (default) or "tcp"
}

// LoggingConfig controls the slog handler's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if _, err := rtsp.ParseURL(c.Stream.URL); err != nil {
		return fmt.Errorf("stream.url: %w", err)
	}

	switch strings.ToLower(c.Stream.Transport) {
	case "", "udp", "tcp":
	default:
		return fmt.Errorf("invalid stream.transport: %q (must be udp or tcp)", c.Stream.Transport)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	ok := false
	for _, l := range validLevels {
		if strings.EqualFold(c.Logging.Level, l) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}
	return nil
}

// TransportKind maps the configured transport string onto pkg/rtsp's
// TransportKind, defaulting to UDP.
func (c *Config) TransportKind() rtsp.TransportKind {
	if strings.EqualFold(c.Stream.Transport, "tcp") {
		return rtsp.TransportTCPKind
	}
	return rtsp.TransportUDPKind
}

// SlogLevel returns the slog.Level for the configured logging level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
