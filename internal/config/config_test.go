package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "text")
	}
	if !cfg.HCI.ReleaseBlueZ {
		t.Error("HCI.ReleaseBlueZ should default to true")
	}
	if cfg.Discovery.InquiryLength != 30 {
		t.Errorf("Discovery.InquiryLength = %d, want 30", cfg.Discovery.InquiryLength)
	}
	if cfg.Discovery.ClassMask != 0x1F3C || cfg.Discovery.ClassValue != 0x0508 {
		t.Errorf("class filter = %#x/%#x, want 0x1f3c/0x508", cfg.Discovery.ClassMask, cfg.Discovery.ClassValue)
	}
	if cfg.Pairing.PIN != "0002" {
		t.Errorf("Pairing.PIN = %q, want %q", cfg.Pairing.PIN, "0002")
	}
	if cfg.Bond.Storage != "file" || cfg.Bond.Path == "" {
		t.Errorf("Bond = %+v, want file storage with a path", cfg.Bond)
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("Metrics.Listen = %q, want empty", cfg.Metrics.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_format: json
hci:
  device: 1
  release_bluez: false
  local_name: bench
discovery:
  inquiry_length: 8
  rescan_max: 10
  class_mask: 0x0f00
  class_value: 0x0500
pairing:
  pin: "1234"
  passkey: 123456
bond:
  storage: memory
metrics:
  listen: 127.0.0.1:9273
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.HCI.Device != 1 || cfg.HCI.ReleaseBlueZ || cfg.HCI.LocalName != "bench" {
		t.Errorf("HCI = %+v, want {1 false bench}", cfg.HCI)
	}
	if cfg.Discovery.InquiryLength != 8 || cfg.Discovery.RescanMax != 10 {
		t.Errorf("Discovery = %+v, want inquiry 8, rescan 10", cfg.Discovery)
	}
	if cfg.Discovery.ClassMask != 0x0F00 || cfg.Discovery.ClassValue != 0x0500 {
		t.Errorf("class filter = %#x/%#x, want 0xf00/0x500", cfg.Discovery.ClassMask, cfg.Discovery.ClassValue)
	}
	if cfg.Pairing.PIN != "1234" || cfg.Pairing.Passkey != 123456 {
		t.Errorf("Pairing = %+v, want {1234 123456}", cfg.Pairing)
	}
	if cfg.Bond.Storage != "memory" {
		t.Errorf("Bond.Storage = %q, want %q", cfg.Bond.Storage, "memory")
	}
	if cfg.Metrics.Listen != "127.0.0.1:9273" {
		t.Errorf("Metrics.Listen = %q, want %q", cfg.Metrics.Listen, "127.0.0.1:9273")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
	if cfg.Discovery != def.Discovery {
		t.Errorf("Discovery = %+v, want defaults %+v", cfg.Discovery, def.Discovery)
	}
	if cfg.Pairing != def.Pairing {
		t.Errorf("Pairing = %+v, want defaults %+v", cfg.Pairing, def.Pairing)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
bond:
  path: ~/state/bond.bin
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "state/bond.bin")
	if cfg.Bond.Path != expected {
		t.Errorf("Bond.Path = %q, want %q", cfg.Bond.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("hci: [unterminated\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "local name too long",
			modify:  func(c *Config) { c.HCI.LocalName = strings.Repeat("x", 249) },
			wantErr: true,
		},
		{
			name:    "zero inquiry length",
			modify:  func(c *Config) { c.Discovery.InquiryLength = 0 },
			wantErr: true,
		},
		{
			name:    "inquiry length too long",
			modify:  func(c *Config) { c.Discovery.InquiryLength = 49 },
			wantErr: true,
		},
		{
			name:    "zero rescan max",
			modify:  func(c *Config) { c.Discovery.RescanMax = 0 },
			wantErr: true,
		},
		{
			name:    "class value outside mask",
			modify:  func(c *Config) { c.Discovery.ClassValue = 0x0001 },
			wantErr: true,
		},
		{
			name:    "empty pin",
			modify:  func(c *Config) { c.Pairing.PIN = "" },
			wantErr: true,
		},
		{
			name:    "pin too long",
			modify:  func(c *Config) { c.Pairing.PIN = strings.Repeat("1", 17) },
			wantErr: true,
		},
		{
			name:    "passkey too large",
			modify:  func(c *Config) { c.Pairing.Passkey = 1000000 },
			wantErr: true,
		},
		{
			name:    "unknown bond storage",
			modify:  func(c *Config) { c.Bond.Storage = "flash" },
			wantErr: true,
		},
		{
			name:    "file storage without path",
			modify:  func(c *Config) { c.Bond.Path = "" },
			wantErr: true,
		},
		{
			name:    "memory storage without path",
			modify:  func(c *Config) { c.Bond.Storage = "memory"; c.Bond.Path = "" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "padlink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# padlink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Pairing.PIN != "0002" {
		t.Errorf("written config Pairing.PIN = %q, want %q", cfg.Pairing.PIN, "0002")
	}
	if cfg.Discovery.InquiryLength != 30 {
		t.Errorf("written config Discovery.InquiryLength = %d, want 30", cfg.Discovery.InquiryLength)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "padlink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
