package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleswitch/internal/ble"
	"github.com/chaz8081/bleswitch/internal/schedule"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	Transport    string        `yaml:"transport"`     // "tinygo" or "bluez"
	BlueZAdapter string        `yaml:"bluez_adapter"` // controller name, bluez transport only
	Device       DeviceConfig  `yaml:"device"`
	Hotkeys      HotkeysConfig `yaml:"hotkeys"`
	Schedule     []string      `yaml:"schedule"` // cron specs or durations that send the command
	Tracing      TracingConfig `yaml:"tracing"`
}

// DeviceConfig describes the remote switch and how to reach it.
type DeviceConfig struct {
	NameFilter     string        `yaml:"name_filter"`
	Command        string        `yaml:"command"` // hex
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
	ScanPeriod     time.Duration `yaml:"scan_period"` // 0 scans until matched or stopped
}

// HotkeysConfig holds the global key combinations. An empty list disables
// that binding.
type HotkeysConfig struct {
	Scan       []string `yaml:"scan"`
	Command    []string `yaml:"command"`
	Disconnect []string `yaml:"disconnect"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
	Output   string `yaml:"output"`   // file for the stdout exporter; empty writes to stdout
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleswitch")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "text",
		Transport:    "tinygo",
		BlueZAdapter: "hci0",
		Device: DeviceConfig{
			NameFilter:     ble.DefaultProductID,
			Command:        ble.DefaultCommandHex,
			ConnectTimeout: 10 * time.Second,
			ConnectRetries: 3,
			ScanPeriod:     12 * time.Second,
		},
		Hotkeys: HotkeysConfig{
			Scan:    []string{"ctrl", "alt", "b"},
			Command: []string{"ctrl", "alt", "l"},
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in tracing.output is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Tracing.Output = expandTilde(cfg.Tracing.Output)

	return cfg, nil
}

const defaultHeader = `# bleswitch configuration
# Commands are hex strings written once to the switch's writable characteristic.
# Schedule entries are 5-field cron specs ("0 7 * * 1-5"), descriptors ("@hourly")
# or plain durations ("30m").
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config already
// exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
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

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.Transport {
	case "tinygo":
	case "bluez":
		if c.BlueZAdapter == "" {
			return fmt.Errorf("bluez_adapter must not be empty when transport is bluez")
		}
	default:
		return fmt.Errorf("transport must be \"tinygo\" or \"bluez\", got %q", c.Transport)
	}

	if c.Device.NameFilter == "" {
		return fmt.Errorf("device.name_filter must not be empty")
	}
	if _, err := ble.ParsePayload(c.Device.Command); err != nil {
		return fmt.Errorf("device.command: %w", err)
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.ConnectRetries < 0 {
		return fmt.Errorf("device.connect_retries must be >= 0")
	}
	if c.Device.ScanPeriod < 0 {
		return fmt.Errorf("device.scan_period must be >= 0")
	}

	for name, keys := range map[string][]string{
		"scan":       c.Hotkeys.Scan,
		"command":    c.Hotkeys.Command,
		"disconnect": c.Hotkeys.Disconnect,
	} {
		for _, k := range keys {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("hotkeys.%s must not contain empty keys", name)
			}
		}
	}

	for i, spec := range c.Schedule {
		if _, err := schedule.Parse(spec); err != nil {
			return fmt.Errorf("schedule[%d] %q: %w", i, spec, err)
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "noop":
		default:
			return fmt.Errorf("tracing.exporter must be \"stdout\" or \"noop\", got %q", c.Tracing.Exporter)
		}
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
