package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

// EnvPrefix is the prefix of environment overrides, e.g. SIMBATCH_RESOURCE_ETA.
const EnvPrefix = "SIMBATCH"

// ResourceSection configures the worker-count solver.
type ResourceSection struct {
	Eta             float64 `mapstructure:"eta"`
	Gamma           float64 `mapstructure:"gamma"`
	Overhead        string  `mapstructure:"overhead"`
	Base            string  `mapstructure:"base"`
	MinWorkers      int     `mapstructure:"min_workers"`
	MaxWorkers      int     `mapstructure:"max_workers"`
	FallbackWorkers int     `mapstructure:"fallback_workers"`
	SafetyEnabled   bool    `mapstructure:"safety_enabled"`
	CapByCPU        bool    `mapstructure:"cap_by_cpu"`
}

// SemaphoreSection configures the adaptive semaphore.
type SemaphoreSection struct {
	MinCapacity        int           `mapstructure:"min_capacity"`
	ReevaluateInterval time.Duration `mapstructure:"reevaluate_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
}

// ScanSection configures file discovery.
type ScanSection struct {
	DefaultPath string   `mapstructure:"default_path"`
	Include     []string `mapstructure:"include"`
	Exclude     []string `mapstructure:"exclude"`
	MinSize     string   `mapstructure:"min_size"`
}

// RunSection configures batch execution.
type RunSection struct {
	// Workers overrides the computed worker count when positive.
	Workers  int  `mapstructure:"workers"`
	FailFast bool `mapstructure:"fail_fast"`
}

// WatchSection configures the watch command.
type WatchSection struct {
	Settle        time.Duration `mapstructure:"settle"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

// HistorySection configures run history.
type HistorySection struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Console    string            `mapstructure:"console"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// MetricsSection configures the Prometheus endpoint. Empty Addr disables it.
type MetricsSection struct {
	Addr string `mapstructure:"addr"`
}

// Config represents the application configuration.
type Config struct {
	Resource  ResourceSection  `mapstructure:"resource"`
	Semaphore SemaphoreSection `mapstructure:"semaphore"`
	Scan      ScanSection      `mapstructure:"scan"`
	Run       RunSection       `mapstructure:"run"`
	Watch     WatchSection     `mapstructure:"watch"`
	History   HistorySection   `mapstructure:"history"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Metrics   MetricsSection   `mapstructure:"metrics"`
}

// ResourceConfig converts the resource section into a validated
// resource.ResourceConfig.
func (c *Config) ResourceConfig() (resource.ResourceConfig, error) {
	overhead, err := types.ParseSize(c.Resource.Overhead)
	if err != nil {
		return resource.ResourceConfig{}, fmt.Errorf("resource.overhead: %w", err)
	}
	base, err := types.ParseSize(c.Resource.Base)
	if err != nil {
		return resource.ResourceConfig{}, fmt.Errorf("resource.base: %w", err)
	}

	rc := resource.ResourceConfig{
		Eta:             c.Resource.Eta,
		Gamma:           c.Resource.Gamma,
		OverheadBytes:   overhead,
		BaseBytes:       base,
		MinWorkers:      c.Resource.MinWorkers,
		MaxWorkers:      c.Resource.MaxWorkers,
		FallbackWorkers: c.Resource.FallbackWorkers,
		SafetyEnabled:   c.Resource.SafetyEnabled,
		CapByCPU:        c.Resource.CapByCPU,
	}
	if err := rc.Validate(); err != nil {
		return resource.ResourceConfig{}, err
	}
	return rc, nil
}

// MinSizeBytes parses scan.min_size.
func (c *Config) MinSizeBytes() (int64, error) {
	if c.Scan.MinSize == "" {
		return 0, nil
	}
	n, err := types.ParseSize(c.Scan.MinSize)
	if err != nil {
		return 0, fmt.Errorf("scan.min_size: %w", err)
	}
	return n, nil
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	def := resource.DefaultConfig()
	v.SetDefault("resource.eta", def.Eta)
	v.SetDefault("resource.gamma", def.Gamma)
	v.SetDefault("resource.overhead", DefaultOverhead)
	v.SetDefault("resource.base", DefaultBase)
	v.SetDefault("resource.min_workers", def.MinWorkers)
	v.SetDefault("resource.max_workers", def.MaxWorkers)
	v.SetDefault("resource.fallback_workers", def.FallbackWorkers)
	v.SetDefault("resource.safety_enabled", def.SafetyEnabled)
	v.SetDefault("resource.cap_by_cpu", def.CapByCPU)

	v.SetDefault("semaphore.min_capacity", DefaultMinCapacity)
	v.SetDefault("semaphore.reevaluate_interval", DefaultReevaluateInterval)
	v.SetDefault("semaphore.poll_interval", DefaultPollInterval)
	v.SetDefault("semaphore.acquire_timeout", time.Duration(0))

	v.SetDefault("scan.default_path", DefaultPath)
	v.SetDefault("scan.include", []string{})
	v.SetDefault("scan.exclude", DefaultExclusions)
	v.SetDefault("scan.min_size", DefaultMinSize)

	v.SetDefault("run.workers", 0)
	v.SetDefault("run.fail_fast", false)

	v.SetDefault("watch.settle", DefaultSettle)
	v.SetDefault("watch.batch_interval", DefaultBatchInterval)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "") // Empty means DefaultHistoryPath
	v.SetDefault("history.retention_days", DefaultRetentionDays)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "") // Empty means use DefaultLogPath
	v.SetDefault("logging.console", "")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"resource":  "info",
		"semaphore": "info",
		"runner":    "info",
		"watcher":   "warn",
	})

	v.SetDefault("metrics.addr", "")
}

// Load loads configuration from the default locations and environment
// variables. Config file locations (in order of precedence):
//   - $XDG_CONFIG_HOME/simbatch/config.yaml
//   - $HOME/.config/simbatch/config.yaml
//
// Environment variables are prefixed with SIMBATCH_ (e.g. SIMBATCH_RESOURCE_ETA).
func Load() (*Config, error) {
	return LoadInto(viper.New(), "")
}

// LoadInto configures v with search paths, environment binding and defaults,
// reads the config file and unmarshals the result. A non-empty file is used
// instead of the search paths. Flags bound to v beforehand take precedence.
func LoadInto(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			v.AddConfigPath(filepath.Join(xdgConfigHome, "simbatch"))
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".config", "simbatch"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var err error
	if cfg.History.Path, err = ExpandPath(cfg.History.Path); err != nil {
		return nil, err
	}
	if cfg.Logging.Path, err = ExpandPath(cfg.Logging.Path); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "simbatch"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "simbatch"), nil
}

// ConfigPath returns the path of the default config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// WriteDefault writes a default config file if none exists and returns its
// path. An existing file is left untouched.
func WriteDefault() (string, error) {
	if err := EnsureConfigDir(); err != nil {
		return "", err
	}

	configPath, err := ConfigPath()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	def := resource.DefaultConfig()
	defaultConfig := fmt.Sprintf(`# simbatch configuration

# Worker-count solver
resource:
  # Fraction of available memory a batch may use, in (0,1]
  eta: %g
  # In-memory size = gamma * on-disk size + overhead
  gamma: %g
  overhead: %s
  # Host process baseline, counted once per batch
  base: %s
  min_workers: %d
  max_workers: %d
  # Used when safety is disabled
  fallback_workers: %d
  safety_enabled: %t
  cap_by_cpu: false

# Adaptive semaphore
semaphore:
  min_capacity: %d
  reevaluate_interval: %s
  poll_interval: %s
  # 0 waits forever
  acquire_timeout: 0s

# File discovery
scan:
  default_path: %s
  include: []
  exclude:
    - /proc
    - /sys
    - /dev
    - .git
  min_size: "%s"

run:
  # 0 uses the computed worker count
  workers: 0
  fail_fast: false

watch:
  settle: %s
  batch_interval: %s

history:
  enabled: true
  # Empty means $XDG_DATA_HOME/simbatch/history
  path: ""
  retention_days: %d

logging:
  # Log level: debug, info, warn, error
  level: info
  # Log file path (empty means $XDG_STATE_HOME/simbatch/simbatch.log)
  path: ""
  # Console (stderr) level, empty disables
  console: ""
  rotation:
    max_size: 10MB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    resource: info
    semaphore: info
    runner: info
    watcher: warn

metrics:
  # e.g. 127.0.0.1:9464, empty disables
  addr: ""
`, def.Eta, def.Gamma, DefaultOverhead, DefaultBase, def.MinWorkers, def.MaxWorkers,
		def.FallbackWorkers, def.SafetyEnabled, DefaultMinCapacity,
		DefaultReevaluateInterval, DefaultPollInterval, DefaultPath, DefaultMinSize,
		DefaultSettle, DefaultBatchInterval, DefaultRetentionDays)

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}

	return configPath, nil
}

// ExpandPath expands ~ in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/simbatch/ for run history.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "simbatch")
}

// StateDir returns $XDG_STATE_HOME/simbatch/ for log files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "simbatch")
}

// DefaultHistoryPath returns the default run history database directory.
func DefaultHistoryPath() string {
	return filepath.Join(DataDir(), "history")
}

// HistoryPath returns the configured history path or the default.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return DefaultHistoryPath()
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// EnsureStateDir creates the state directory if it doesn't exist.
func EnsureStateDir() error {
	if err := os.MkdirAll(StateDir(), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return nil
}
