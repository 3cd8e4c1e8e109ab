package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Adapter  AdapterConfig `yaml:"adapter"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
}

// AdapterConfig selects and tunes the radio backend.
type AdapterConfig struct {
	Backend      string `yaml:"backend"`       // "tinygo"
	BlueZAdapter string `yaml:"bluez_adapter"` // e.g. "hci0"
	// UseBlueZ enables the D-Bus side channel for adapter power and
	// characteristic properties. Linux only, where it defaults to on: the
	// portable driver cannot read BlueZ power state by itself.
	UseBlueZ bool `yaml:"use_bluez"`
}

// ScanConfig holds the default scan rule.
type ScanConfig struct {
	Timeout       time.Duration `yaml:"timeout"` // 0 scans until interrupted
	ServiceUUIDs  []string      `yaml:"service_uuids"`
	Names         []string      `yaml:"names"`
	FuzzyName     bool          `yaml:"fuzzy_name"`
	MACs          []string      `yaml:"macs"`
	UniqueDevices bool          `yaml:"unique_devices"`
}

// ConnectConfig holds the connection policy.
type ConnectConfig struct {
	AutoConnect       bool          `yaml:"auto_connect"`
	Timeout           time.Duration `yaml:"timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	OpTimeout         time.Duration `yaml:"op_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blescout")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Adapter: AdapterConfig{
			Backend:      "tinygo",
			BlueZAdapter: "hci0",
			UseBlueZ:     runtime.GOOS == "linux",
		},
		Scan: ScanConfig{
			Timeout: 10 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:           10 * time.Second,
			ReconnectAttempts: 1,
			ReconnectInterval: 5 * time.Second,
			OpTimeout:         5 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A path starting with ~ is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path if it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(expandTilde(path)); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

const defaultHeader = `# blescout configuration
# Durations use Go syntax: 500ms, 10s, 1m.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Adapter.Backend != "tinygo" {
		return fmt.Errorf("adapter.backend must be \"tinygo\", got %q", c.Adapter.Backend)
	}
	if c.Adapter.UseBlueZ && c.Adapter.BlueZAdapter == "" {
		return fmt.Errorf("adapter.bluez_adapter must not be empty when adapter.use_bluez is set")
	}

	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must be >= 0")
	}
	for _, mac := range c.Scan.MACs {
		if strings.TrimSpace(mac) == "" {
			return fmt.Errorf("scan.macs must not contain empty entries")
		}
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}
	if c.Connect.OpTimeout <= 0 {
		return fmt.Errorf("connect.op_timeout must be > 0")
	}
	if c.Connect.ReconnectAttempts < 0 {
		return fmt.Errorf("connect.reconnect_attempts must be >= 0")
	}
	if c.Connect.ReconnectInterval < 0 {
		return fmt.Errorf("connect.reconnect_interval must be >= 0")
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
