package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" or "json"
	HCI       HCIConfig       `yaml:"hci"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Bond      BondConfig      `yaml:"bond"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HCIConfig selects the controller.
type HCIConfig struct {
	Device       uint16 `yaml:"device"`        // hciN index
	ReleaseBlueZ bool   `yaml:"release_bluez"` // power the adapter off in bluetoothd first
	LocalName    string `yaml:"local_name"`
}

// DiscoveryConfig holds inquiry and filtering settings.
type DiscoveryConfig struct {
	InquiryLength uint8  `yaml:"inquiry_length"` // 1.28 s units
	RescanMax     int    `yaml:"rescan_max"`     // seconds
	ClassMask     uint32 `yaml:"class_mask"`
	ClassValue    uint32 `yaml:"class_value"`
}

// PairingConfig holds the automatic pairing replies.
type PairingConfig struct {
	PIN     string `yaml:"pin"`
	Passkey uint32 `yaml:"passkey"`
}

// BondConfig selects where the bond lives.
type BondConfig struct {
	Storage string `yaml:"storage"` // "file" or "memory"
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "padlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	bondPath := filepath.Join(home, ".local", "share", "padlink", "bond.bin")

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HCI: HCIConfig{
			Device:       0,
			ReleaseBlueZ: true,
			LocalName:    "padlink",
		},
		Discovery: DiscoveryConfig{
			InquiryLength: 30,
			RescanMax:     30,
			ClassMask:     0x1F3C,
			ClassValue:    0x0508,
		},
		Pairing: PairingConfig{
			PIN:     "0002",
			Passkey: 0,
		},
		Bond: BondConfig{
			Storage: "file",
			Path:    bondPath,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in bond.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Bond.Path = expandTilde(cfg.Bond.Path)

	return cfg, nil
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

	if len(c.HCI.LocalName) > 248 {
		return fmt.Errorf("hci.local_name must be at most 248 bytes, got %d", len(c.HCI.LocalName))
	}

	if c.Discovery.InquiryLength < 1 || c.Discovery.InquiryLength > 48 {
		return fmt.Errorf("discovery.inquiry_length must be 1..48, got %d", c.Discovery.InquiryLength)
	}
	if c.Discovery.RescanMax < 1 {
		return fmt.Errorf("discovery.rescan_max must be > 0")
	}
	if c.Discovery.ClassValue&^c.Discovery.ClassMask != 0 {
		return fmt.Errorf("discovery.class_value %#x has bits outside class_mask %#x",
			c.Discovery.ClassValue, c.Discovery.ClassMask)
	}

	if n := len(c.Pairing.PIN); n < 1 || n > 16 {
		return fmt.Errorf("pairing.pin must be 1..16 bytes, got %d", n)
	}
	if c.Pairing.Passkey > 999999 {
		return fmt.Errorf("pairing.passkey must be at most 999999, got %d", c.Pairing.Passkey)
	}

	switch c.Bond.Storage {
	case "memory":
	case "file":
		if c.Bond.Path == "" {
			return fmt.Errorf("bond.path must not be empty when bond.storage is \"file\"")
		}
	default:
		return fmt.Errorf("bond.storage must be \"file\" or \"memory\", got %q", c.Bond.Storage)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to info.
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

const defaultHeader = `# padlink configuration
# See log_level, hci, discovery, pairing, bond and metrics below.
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// its path. If a config already exists it returns "" and leaves it alone.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
