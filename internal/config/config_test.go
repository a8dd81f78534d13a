package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, "adb", cfg.Device.AdbPath)
	assert.Equal(t, int64(128), cfg.Cache.PageSizeKiB)
	assert.Equal(t, int64(256), cfg.Cache.CacheSizeMiB)
	assert.Equal(t, 30*time.Second, cfg.Cache.StatTTL)
	assert.Equal(t, "madbfs", cfg.Mount.FSName)
	assert.True(t, cfg.IPC.Enabled)
	assert.False(t, cfg.Monitoring.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		errMsg string
	}{
		{"lowercase level", func(c *Configuration) { c.Global.LogLevel = "debug" }, ""},
		{"bad level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }, "LogLevel"},
		{"bad format", func(c *Configuration) { c.Global.LogFormat = "xml" }, "LogFormat"},
		{"no adb", func(c *Configuration) { c.Device.AdbPath = "" }, "AdbPath"},
		{"page too small", func(c *Configuration) { c.Cache.PageSizeKiB = 32 }, "gte=64"},
		{"page too big", func(c *Configuration) { c.Cache.PageSizeKiB = 8192 }, "lte=4096"},
		{"page not power of two", func(c *Configuration) { c.Cache.PageSizeKiB = 100 }, "power of two"},
		{"cache too small", func(c *Configuration) { c.Cache.CacheSizeMiB = 0 }, "CacheSizeMiB"},
		{"cache below page", func(c *Configuration) {
			c.Cache.PageSizeKiB = 4096
			c.Cache.CacheSizeMiB = 2
		}, "cannot hold one"},
		{"zero ttl", func(c *Configuration) { c.Cache.StatTTL = 0 }, "StatTTL"},
		{"retry attempts", func(c *Configuration) { c.Remote.Retry.MaxAttempts = 0 }, "MaxAttempts"},
		{"retry delays", func(c *Configuration) {
			c.Remote.Retry.BaseDelay = time.Second
			c.Remote.Retry.MaxDelay = time.Millisecond
		}, "below base_delay"},
		{"breaker threshold", func(c *Configuration) { c.Remote.CircuitBreaker.FailureThreshold = 0 }, "FailureThreshold"},
		{"metrics port", func(c *Configuration) { c.Monitoring.Metrics.Port = 70000 }, "Port"},
		{"metrics path", func(c *Configuration) { c.Monitoring.Metrics.Path = "metrics" }, "startswith"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MADBFS_LOG_LEVEL", "DEBUG")
	t.Setenv("ANDROID_SERIAL", "emulator-5554")
	t.Setenv("MADBFS_ADB_PATH", "/opt/platform-tools/adb")
	t.Setenv("MADBFS_PAGE_SIZE", "256")
	t.Setenv("MADBFS_CACHE_SIZE", "512")
	t.Setenv("MADBFS_STAT_TTL", "1m")
	t.Setenv("MADBFS_IPC_ENABLED", "false")
	t.Setenv("MADBFS_METRICS_ENABLED", "TRUE")
	t.Setenv("MADBFS_METRICS_PORT", "9100")
	t.Setenv("MADBFS_SERVER_PATH", "/opt/madbfs/madbfs-server-arm64-v8a")
	t.Setenv("MADBFS_SERVER_PORT", "23456")
	t.Setenv("MADBFS_ADB_ONLY", "1")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, "emulator-5554", cfg.Device.Serial)
	assert.Equal(t, "/opt/platform-tools/adb", cfg.Device.AdbPath)
	assert.Equal(t, int64(256), cfg.Cache.PageSizeKiB)
	assert.Equal(t, int64(512), cfg.Cache.CacheSizeMiB)
	assert.Equal(t, time.Minute, cfg.Cache.StatTTL)
	assert.False(t, cfg.IPC.Enabled)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Monitoring.Metrics.Port)
	assert.Equal(t, "/opt/madbfs/madbfs-server-arm64-v8a", cfg.Device.ServerPath)
	assert.Equal(t, 23456, cfg.Device.ServerPort)
	assert.True(t, cfg.Device.AdbOnly)

	t.Setenv("MADBFS_SERIAL", "R58M123")
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "R58M123", cfg.Device.Serial, "MADBFS_SERIAL wins over ANDROID_SERIAL")
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	for name, val := range map[string]string{
		"MADBFS_PAGE_SIZE":       "big",
		"MADBFS_STAT_TTL":        "30",
		"MADBFS_READ_ONLY":       "maybe",
		"MADBFS_METRICS_PORT":    "http",
		"MADBFS_COMMAND_TIMEOUT": "-",
		"MADBFS_SERVER_PORT":     "forward",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, val)
			err := NewDefault().LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "madbfs.yaml")

	cfg := NewDefault()
	cfg.Device.Serial = "abc"
	cfg.Cache.PageSizeKiB = 512
	cfg.Mount.MountPoint = "/mnt/phone"
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromFile_Partial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  cache_size_mib: 64\ndevice:\n  serial: xyz\n"), 0o600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, int64(64), cfg.Cache.CacheSizeMiB)
	assert.Equal(t, int64(128), cfg.Cache.PageSizeKiB, "unset keys keep defaults")
	assert.Equal(t, "xyz", cfg.Device.Serial)

	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.NoError(t, os.WriteFile(path, []byte("cache: [1, 2"), 0o600))
	assert.Error(t, cfg.LoadFromFile(path))
}
