package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blueconsole/internal/firmware"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "", cfg.LogLevel)
	assert.Equal(t, BackendGoBLE, cfg.Backend)
	assert.Equal(t, 10*time.Second, cfg.Scan.Timeout)
	assert.False(t, cfg.Console.Reconnect)
	assert.Equal(t, 65536, cfg.Console.Scrollback)
	assert.Equal(t, 30*time.Second, cfg.Upload.AckTimeout)
	assert.Equal(t, firmware.DefaultBaseURL, cfg.Firmware.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Firmware.FetchTimeout)
	assert.Equal(t, time.Second, cfg.Firmware.RebootDelay)
	assert.Equal(t, 5*time.Second, cfg.Firmware.SettleDelay)
	assert.Equal(t, 10*time.Second, cfg.Firmware.AckTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig_MatchesComponentDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, firmware.DefaultOptions(), cfg.FirmwareOptions())
	assert.Equal(t, 30*time.Second, cfg.UploadOptions().AckTimeout)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
backend: simulated
scan:
  timeout: 3s
  name_prefix: BASIC
console:
  reconnect: true
firmware:
  base_url: http://localhost:8080/hex/
  settle_delay: 8s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendSimulated, cfg.Backend)
	assert.Equal(t, 3*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, "BASIC", cfg.Scan.NamePrefix)
	assert.True(t, cfg.Console.Reconnect)
	assert.Equal(t, "http://localhost:8080/hex/", cfg.Firmware.BaseURL)
	assert.Equal(t, 8*time.Second, cfg.Firmware.SettleDelay)

	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.Firmware.RebootDelay)
	assert.Equal(t, 30*time.Second, cfg.Upload.AckTimeout)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "scan: [", "parsing config file"},
		{"bad level", "log_level: loud", "invalid log level"},
		{"bad backend", "backend: serial", "backend must be"},
		{"bad scan timeout", "scan:\n  timeout: 0s", "scan.timeout"},
		{"bad url", "firmware:\n  base_url: ftp://example.com/", "firmware.base_url"},
		{"negative delay", "firmware:\n  reboot_delay: -1s", "firmware.reboot_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"", logrus.PanicLevel},
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
