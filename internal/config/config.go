// Package config loads client settings from an optional YAML file, then
// SOFTERVIEW_* environment variables. Command-line flags are applied last by
// the caller.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vspecky/softerview/internal/fstree"
	"github.com/vspecky/softerview/internal/outbox"
)

type Logger interface {
	Printf(format string, args ...any)
}

type OutboxConfig struct {
	// DSN selects the backend: memory://, file path, bolt://, redis://,
	// postgres://. Empty keeps frames in memory.
	DSN      string `yaml:"dsn,omitempty"`
	Capacity int    `yaml:"capacity,omitempty"`
}

type Config struct {
	RelayURL        string        `yaml:"relay_url"`
	PrefixPattern   string        `yaml:"prefix_pattern"`
	SameFileTimeout time.Duration `yaml:"same_file_timeout"`
	BatchInterval   time.Duration `yaml:"batch_interval"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	Outbox          OutboxConfig  `yaml:"outbox,omitempty"`
	ICEServers      []string      `yaml:"ice_servers,omitempty"`
	DataChannelID   int           `yaml:"data_channel_id"`
	LogLevel        string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		RelayURL:        "http://localhost:5000",
		PrefixPattern:   fstree.DefaultPrefixPattern,
		SameFileTimeout: 3 * time.Second,
		HTTPTimeout:     15 * time.Second,
		Outbox:          OutboxConfig{Capacity: 1024},
		DataChannelID:   256,
		LogLevel:        "info",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from SOFTERVIEW_* variables. Unparsable values
// are logged and ignored.
func (c *Config) ApplyEnv(logger Logger) {
	c.RelayURL = envOrDefault("SOFTERVIEW_RELAY_URL", c.RelayURL)
	c.PrefixPattern = envOrDefault("SOFTERVIEW_PREFIX_PATTERN", c.PrefixPattern)
	c.SameFileTimeout = durationEnv(logger, "SOFTERVIEW_SAME_FILE_TIMEOUT", c.SameFileTimeout)
	c.BatchInterval = durationEnv(logger, "SOFTERVIEW_BATCH_INTERVAL", c.BatchInterval)
	c.HTTPTimeout = durationEnv(logger, "SOFTERVIEW_HTTP_TIMEOUT", c.HTTPTimeout)
	c.Outbox.DSN = envOrDefault("SOFTERVIEW_OUTBOX_DSN", c.Outbox.DSN)
	c.Outbox.Capacity = intEnv(logger, "SOFTERVIEW_OUTBOX_CAPACITY", c.Outbox.Capacity)
	c.DataChannelID = intEnv(logger, "SOFTERVIEW_DATA_CHANNEL_ID", c.DataChannelID)
	c.LogLevel = envOrDefault("SOFTERVIEW_LOG_LEVEL", c.LogLevel)
	if raw := strings.TrimSpace(os.Getenv("SOFTERVIEW_ICE_SERVERS")); raw != "" {
		c.ICEServers = splitList(raw)
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	relayURL, err := url.Parse(c.RelayURL)
	if err != nil || (relayURL.Scheme != "http" && relayURL.Scheme != "https") || relayURL.Host == "" {
		return fmt.Errorf("relay_url must be an http(s) URL, got %q", c.RelayURL)
	}
	if _, err := regexp.Compile(c.PrefixPattern); err != nil {
		return fmt.Errorf("prefix_pattern does not compile: %w", err)
	}
	if c.SameFileTimeout <= 0 {
		return fmt.Errorf("same_file_timeout must be positive, got %s", c.SameFileTimeout)
	}
	if c.BatchInterval < 0 {
		return fmt.Errorf("batch_interval must be >= 0 (0 = send immediately), got %s", c.BatchInterval)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout)
	}
	if c.Outbox.Capacity < 0 {
		return fmt.Errorf("outbox.capacity must be >= 0, got %d", c.Outbox.Capacity)
	}
	if dsn := strings.TrimSpace(c.Outbox.DSN); dsn != "" {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return fmt.Errorf("outbox.dsn is not a valid URL: %w", err)
		}
		if !outbox.SupportsScheme(parsed.Scheme) {
			return fmt.Errorf("outbox.dsn: %w: %q", outbox.ErrUnsupportedScheme, parsed.Scheme)
		}
	}
	if c.DataChannelID < 1 || c.DataChannelID > 65534 {
		return fmt.Errorf("data_channel_id must be in 1..65534, got %d", c.DataChannelID)
	}
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func intEnv(logger Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func logf(logger Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
