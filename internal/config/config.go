// Package config loads the blueconsole configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blueconsole/internal/firmware"
	"github.com/srg/blueconsole/internal/upload"
)

// Backends selectable with the backend key.
const (
	BackendGoBLE     = "goble"
	BackendTinyGo    = "tinygo"
	BackendSimulated = "simulated"
)

// Config holds application configuration.
type Config struct {
	// LogLevel is empty for a silent CLI, or debug, info, warn, error.
	LogLevel string         `yaml:"log_level"`
	Backend  string         `yaml:"backend" default:"goble"`
	Scan     ScanConfig     `yaml:"scan"`
	Console  ConsoleConfig  `yaml:"console"`
	Upload   UploadConfig   `yaml:"upload"`
	Firmware FirmwareConfig `yaml:"firmware"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	NamePrefix string        `yaml:"name_prefix"`
}

// ConsoleConfig holds console session settings.
type ConsoleConfig struct {
	Reconnect bool `yaml:"reconnect"`
	// Scrollback is the transcript size in bytes.
	Scrollback int `yaml:"scrollback" default:"65536"`
}

// UploadConfig holds program upload settings.
type UploadConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout" default:"30s"`
}

// FirmwareConfig holds firmware feed and flashing settings.
type FirmwareConfig struct {
	BaseURL      string        `yaml:"base_url" default:"https://github.com/aanon4/BlueBasic/raw/master/hex/BlueBasic-"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" default:"30s"`
	RebootDelay  time.Duration `yaml:"reboot_delay" default:"1s"`
	SettleDelay  time.Duration `yaml:"settle_delay" default:"5s"`
	AckTimeout   time.Duration `yaml:"ack_timeout" default:"10s"`
}

// DefaultConfigPath returns the per-user configuration file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blueconsole", "config.yaml")
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads and validates a YAML config file. Missing fields keep their
// defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional loads path if it exists and falls back to the defaults
// otherwise.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendGoBLE, BackendTinyGo, BackendSimulated:
	default:
		return fmt.Errorf("backend must be %s, %s or %s, got %q", BackendGoBLE, BackendTinyGo, BackendSimulated, c.Backend)
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}
	if c.Console.Scrollback < 0 {
		return fmt.Errorf("console.scrollback must be >= 0")
	}
	if c.Upload.AckTimeout < 0 {
		return fmt.Errorf("upload.ack_timeout must be >= 0")
	}

	if !strings.HasPrefix(c.Firmware.BaseURL, "http://") && !strings.HasPrefix(c.Firmware.BaseURL, "https://") {
		return fmt.Errorf("firmware.base_url must be an http(s) URL, got %q", c.Firmware.BaseURL)
	}
	for name, d := range map[string]time.Duration{
		"firmware.fetch_timeout": c.Firmware.FetchTimeout,
		"firmware.reboot_delay":  c.Firmware.RebootDelay,
		"firmware.settle_delay":  c.Firmware.SettleDelay,
		"firmware.ack_timeout":   c.Firmware.AckTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

// Level parses LogLevel. Empty means silent.
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "":
		return logrus.PanicLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// UploadOptions maps the upload section onto upload.Options.
func (c *Config) UploadOptions() upload.Options {
	return upload.Options{AckTimeout: c.Upload.AckTimeout}
}

// FirmwareOptions maps the firmware section onto firmware.Options.
func (c *Config) FirmwareOptions() firmware.Options {
	return firmware.Options{
		FetchTimeout: c.Firmware.FetchTimeout,
		Flasher: firmware.FlasherOptions{
			RebootDelay: c.Firmware.RebootDelay,
			SettleDelay: c.Firmware.SettleDelay,
			AckTimeout:  c.Firmware.AckTimeout,
		},
	}
}
