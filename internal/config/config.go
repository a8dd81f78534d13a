package config

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

var validate = validator.New()

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Device     DeviceConfig     `yaml:"device"`
	Mount      MountConfig      `yaml:"mount"`
	Cache      CacheConfig      `yaml:"cache"`
	Remote     RemoteConfig     `yaml:"remote"`
	IPC        IPCConfig        `yaml:"ipc"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"required,oneof=console json"`
	LogFile   string `yaml:"log_file"`
}

// DeviceConfig selects the device and how adb is run.
type DeviceConfig struct {
	// Serial of the device; empty picks the only connected one.
	Serial         string        `yaml:"serial"`
	AdbPath        string        `yaml:"adb_path" validate:"required"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`

	// ServerPath is a local madbfs-server build pushed to the device. Empty
	// looks for one next to the executable and in the working directory.
	ServerPath string `yaml:"server_path"`
	// ServerPort is forwarded from the host to the device server.
	ServerPort int `yaml:"server_port" validate:"gte=1,lte=65535"`
	// AdbOnly never tries the device server.
	AdbOnly bool `yaml:"adb_only"`
}

// MountConfig represents mount settings
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	ReadOnly     bool          `yaml:"read_only"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout" validate:"gte=0"`
	EntryTimeout time.Duration `yaml:"entry_timeout" validate:"gte=0"`
	FSName       string        `yaml:"fs_name" validate:"required"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	PageSizeKiB  int64         `yaml:"page_size_kib" validate:"gte=64,lte=4096"`
	CacheSizeMiB int64         `yaml:"cache_size_mib" validate:"gte=1,lte=65536"`
	StatTTL      time.Duration `yaml:"stat_ttl" validate:"gt=0"`
}

// RemoteConfig tunes how failed device commands are handled.
type RemoteConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"gte=1"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	Enabled bool `yaml:"enabled"`
	// SocketDir holds the socket; empty means $XDG_RUNTIME_DIR or /tmp.
	SocketDir string `yaml:"socket_dir"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	Path    string `yaml:"path" validate:"required,startswith=/"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Device: DeviceConfig{
			AdbPath:        "adb",
			CommandTimeout: 30 * time.Second,
			ServerPort:     12345,
		},
		Mount: MountConfig{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "madbfs",
		},
		Cache: CacheConfig{
			PageSizeKiB:  128,
			CacheSizeMiB: 256,
			StatTTL:      30 * time.Second,
		},
		Remote: RemoteConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 3,
				Timeout:          5 * time.Second,
			},
		},
		IPC: IPCConfig{
			Enabled: true,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9464,
				Path:    "/metrics",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from MADBFS_* environment variables.
// ANDROID_SERIAL selects the device unless MADBFS_SERIAL is set.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("MADBFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MADBFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("MADBFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	// Device settings
	if val := os.Getenv("ANDROID_SERIAL"); val != "" {
		c.Device.Serial = val
	}
	if val := os.Getenv("MADBFS_SERIAL"); val != "" {
		c.Device.Serial = val
	}
	if val := os.Getenv("MADBFS_ADB_PATH"); val != "" {
		c.Device.AdbPath = val
	}
	if err := envDuration("MADBFS_COMMAND_TIMEOUT", &c.Device.CommandTimeout); err != nil {
		return err
	}
	if val := os.Getenv("MADBFS_SERVER_PATH"); val != "" {
		c.Device.ServerPath = val
	}
	if val := os.Getenv("MADBFS_SERVER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envErr("MADBFS_SERVER_PORT", val, err)
		}
		c.Device.ServerPort = port
	}
	if err := envBool("MADBFS_ADB_ONLY", &c.Device.AdbOnly); err != nil {
		return err
	}

	// Mount settings
	if val := os.Getenv("MADBFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if err := envBool("MADBFS_READ_ONLY", &c.Mount.ReadOnly); err != nil {
		return err
	}

	// Cache settings
	if err := envInt("MADBFS_PAGE_SIZE", &c.Cache.PageSizeKiB); err != nil {
		return err
	}
	if err := envInt("MADBFS_CACHE_SIZE", &c.Cache.CacheSizeMiB); err != nil {
		return err
	}
	if err := envDuration("MADBFS_STAT_TTL", &c.Cache.StatTTL); err != nil {
		return err
	}

	// IPC and monitoring
	if err := envBool("MADBFS_IPC_ENABLED", &c.IPC.Enabled); err != nil {
		return err
	}
	if val := os.Getenv("MADBFS_SOCKET_DIR"); val != "" {
		c.IPC.SocketDir = val
	}
	if err := envBool("MADBFS_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled); err != nil {
		return err
	}
	if val := os.Getenv("MADBFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envErr("MADBFS_METRICS_PORT", val, err)
		}
		c.Monitoring.Metrics.Port = port
	}

	return nil
}

func envErr(name, val string, err error) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, "%s=%q: %v", name, val, err).WithComponent("config")
}

func envBool(name string, dst *bool) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		return envErr(name, val, err)
	}
	*dst = b
	return nil
}

func envInt(name string, dst *int64) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return envErr(name, val, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return envErr(name, val, err)
	}
	*dst = d
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks struct tags first and then the rules spanning fields.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if bits.OnesCount64(uint64(c.Cache.PageSizeKiB)) != 1 {
		return validationErr("cache.page_size_kib: %d is not a power of two", c.Cache.PageSizeKiB)
	}
	if c.Cache.CacheSizeMiB*1024 < c.Cache.PageSizeKiB {
		return validationErr("cache.cache_size_mib: %d MiB cannot hold one %d KiB page",
			c.Cache.CacheSizeMiB, c.Cache.PageSizeKiB)
	}
	if c.Remote.Retry.MaxDelay > 0 && c.Remote.Retry.MaxDelay < c.Remote.Retry.BaseDelay {
		return validationErr("remote.retry.max_delay: %s is below base_delay %s",
			c.Remote.Retry.MaxDelay, c.Remote.Retry.BaseDelay)
	}

	return nil
}

func validationErr(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeConfigValidation, format, args...).WithComponent("config")
}

// formatValidationError reports the first failed rule as "field: rule".
func formatValidationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		e := verrs[0]
		rule := e.Tag()
		if e.Param() != "" {
			rule += "=" + e.Param()
		}
		return validationErr("%s: validation failed on '%s' (value: %v)", e.Namespace(), rule, e.Value())
	}
	return validationErr("%v", err)
}
