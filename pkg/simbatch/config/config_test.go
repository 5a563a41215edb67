package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

func isolate(t *testing.T) string {
	t.Helper()
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	return tempDir
}

func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "simbatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := resource.DefaultConfig()
	if cfg.Resource.Eta != def.Eta {
		t.Errorf("Resource.Eta = %v, want %v", cfg.Resource.Eta, def.Eta)
	}
	if cfg.Resource.Gamma != def.Gamma {
		t.Errorf("Resource.Gamma = %v, want %v", cfg.Resource.Gamma, def.Gamma)
	}
	if cfg.Resource.MaxWorkers != def.MaxWorkers {
		t.Errorf("Resource.MaxWorkers = %d, want %d", cfg.Resource.MaxWorkers, def.MaxWorkers)
	}
	if !cfg.Resource.SafetyEnabled {
		t.Error("Resource.SafetyEnabled = false, want true")
	}
	if cfg.Semaphore.ReevaluateInterval != DefaultReevaluateInterval {
		t.Errorf("Semaphore.ReevaluateInterval = %v, want %v", cfg.Semaphore.ReevaluateInterval, DefaultReevaluateInterval)
	}
	if cfg.Semaphore.MinCapacity != DefaultMinCapacity {
		t.Errorf("Semaphore.MinCapacity = %d, want %d", cfg.Semaphore.MinCapacity, DefaultMinCapacity)
	}
	if cfg.Scan.DefaultPath != DefaultPath {
		t.Errorf("Scan.DefaultPath = %q, want %q", cfg.Scan.DefaultPath, DefaultPath)
	}
	if len(cfg.Scan.Exclude) != len(DefaultExclusions) {
		t.Errorf("len(Scan.Exclude) = %d, want %d", len(cfg.Scan.Exclude), len(DefaultExclusions))
	}
	if cfg.Watch.Settle != DefaultSettle {
		t.Errorf("Watch.Settle = %v, want %v", cfg.Watch.Settle, DefaultSettle)
	}
	if !cfg.History.Enabled || cfg.History.RetentionDays != DefaultRetentionDays {
		t.Errorf("History = %+v, want enabled with %d days", cfg.History, DefaultRetentionDays)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Components["watcher"] != "warn" {
		t.Errorf("Logging.Components[watcher] = %q, want warn", cfg.Logging.Components["watcher"])
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("Metrics.Addr = %q, want empty", cfg.Metrics.Addr)
	}
}

func TestLoad_DefaultsProduceValidResourceConfig(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rc, err := cfg.ResourceConfig()
	if err != nil {
		t.Fatalf("ResourceConfig() error = %v", err)
	}
	if rc != resource.DefaultConfig() {
		t.Errorf("ResourceConfig() = %+v, want %+v", rc, resource.DefaultConfig())
	}
}

func TestLoad_FromFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `
resource:
  eta: 0.5
  gamma: 2
  overhead: 10MB
  base: 1G
  max_workers: 8
  safety_enabled: false
semaphore:
  reevaluate_interval: 1s
  acquire_timeout: 30s
scan:
  include: ["*.h5"]
  min_size: 1M
history:
  path: ~/runs
metrics:
  addr: 127.0.0.1:9464
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Resource.Eta != 0.5 {
		t.Errorf("Resource.Eta = %v, want 0.5", cfg.Resource.Eta)
	}
	if cfg.Semaphore.ReevaluateInterval != time.Second {
		t.Errorf("Semaphore.ReevaluateInterval = %v, want 1s", cfg.Semaphore.ReevaluateInterval)
	}
	if cfg.Semaphore.AcquireTimeout != 30*time.Second {
		t.Errorf("Semaphore.AcquireTimeout = %v, want 30s", cfg.Semaphore.AcquireTimeout)
	}
	if len(cfg.Scan.Include) != 1 || cfg.Scan.Include[0] != "*.h5" {
		t.Errorf("Scan.Include = %v, want [*.h5]", cfg.Scan.Include)
	}
	if want := filepath.Join(home, "runs"); cfg.History.Path != want {
		t.Errorf("History.Path = %q, want %q", cfg.History.Path, want)
	}
	if cfg.HistoryPath() != cfg.History.Path {
		t.Errorf("HistoryPath() = %q, want %q", cfg.HistoryPath(), cfg.History.Path)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}

	rc, err := cfg.ResourceConfig()
	if err != nil {
		t.Fatalf("ResourceConfig() error = %v", err)
	}
	if rc.OverheadBytes != 10*types.MiB || rc.BaseBytes != types.GiB {
		t.Errorf("sizes = %d/%d, want %d/%d", rc.OverheadBytes, rc.BaseBytes, 10*types.MiB, types.GiB)
	}
	if rc.SafetyEnabled {
		t.Error("SafetyEnabled = true, want false")
	}

	minSize, err := cfg.MinSizeBytes()
	if err != nil || minSize != types.MiB {
		t.Errorf("MinSizeBytes() = %d, %v, want %d", minSize, err, types.MiB)
	}
}

func TestLoad_XDGConfigHome(t *testing.T) {
	isolate(t)
	xdgDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdgDir)

	dir := filepath.Join(xdgDir, "simbatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("resource:\n  max_workers: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Resource.MaxWorkers != 3 {
		t.Errorf("Resource.MaxWorkers = %d, want 3", cfg.Resource.MaxWorkers)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("SIMBATCH_RESOURCE_ETA", "0.25")
	t.Setenv("SIMBATCH_RUN_WORKERS", "6")
	t.Setenv("SIMBATCH_WATCH_BATCH_INTERVAL", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Resource.Eta != 0.25 {
		t.Errorf("Resource.Eta = %v, want 0.25", cfg.Resource.Eta)
	}
	if cfg.Run.Workers != 6 {
		t.Errorf("Run.Workers = %d, want 6", cfg.Run.Workers)
	}
	if cfg.Watch.BatchInterval != 3*time.Second {
		t.Errorf("Watch.BatchInterval = %v, want 3s", cfg.Watch.BatchInterval)
	}
}

func TestLoadInto_ExplicitFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("run:\n  fail_fast: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	cfg, err := LoadInto(v, path)
	if err != nil {
		t.Fatalf("LoadInto() error = %v", err)
	}
	if !cfg.Run.FailFast {
		t.Error("Run.FailFast = false, want true")
	}
	if v.ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", v.ConfigFileUsed(), path)
	}
}

func TestLoadInto_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := LoadInto(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("LoadInto() error = nil, want error for missing file")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "resource: [unclosed\n")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestResourceConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad overhead", func(c *Config) { c.Resource.Overhead = "lots" }},
		{"bad base", func(c *Config) { c.Resource.Base = "" }},
		{"eta out of range", func(c *Config) { c.Resource.Eta = 1.5 }},
		{"gamma below one", func(c *Config) { c.Resource.Gamma = 0.5 }},
		{"min workers zero", func(c *Config) { c.Resource.MinWorkers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			if _, err := cfg.ResourceConfig(); err == nil {
				t.Error("ResourceConfig() error = nil, want error")
			}
		})
	}
}

func TestResourceConfig_WrapsInvalidConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Resource.Eta = 0

	_, err = cfg.ResourceConfig()
	if !errors.Is(err, resource.ErrInvalidConfig) {
		t.Errorf("ResourceConfig() error = %v, want ErrInvalidConfig", err)
	}
}

func TestMinSizeBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"2K", 2 * types.KiB, false},
		{"bad", 0, true},
	}
	for _, tt := range tests {
		cfg := &Config{Scan: ScanSection{MinSize: tt.in}}
		got, err := cfg.MinSizeBytes()
		if (err != nil) != tt.wantErr {
			t.Errorf("MinSizeBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("MinSizeBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestConfigDir(t *testing.T) {
	home := isolate(t)

	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".config", "simbatch"); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}

	xdgDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdgDir)
	dir, err = ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(xdgDir, "simbatch"); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}
}

func TestWriteDefault(t *testing.T) {
	isolate(t)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading default config: %v", err)
	}
	for _, section := range []string{"resource:", "semaphore:", "scan:", "history:", "logging:", "metrics:"} {
		if !strings.Contains(string(content), section) {
			t.Errorf("default config missing %q", section)
		}
	}

	// The written template must load back to the defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() after WriteDefault error = %v", err)
	}
	rc, err := cfg.ResourceConfig()
	if err != nil {
		t.Fatalf("ResourceConfig() error = %v", err)
	}
	if rc != resource.DefaultConfig() {
		t.Errorf("ResourceConfig() = %+v, want defaults", rc)
	}
	if cfg.Watch.BatchInterval != DefaultBatchInterval {
		t.Errorf("Watch.BatchInterval = %v, want %v", cfg.Watch.BatchInterval, DefaultBatchInterval)
	}

	// A second call must not overwrite user edits.
	if err := os.WriteFile(path, []byte("custom: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteDefault(); err != nil {
		t.Fatal(err)
	}
	content, _ = os.ReadFile(path)
	if string(content) != "custom: true\n" {
		t.Error("WriteDefault() overwrote an existing file")
	}
}

func TestExpandPath(t *testing.T) {
	home := isolate(t)

	tests := []struct {
		in   string
		want string
	}{
		{"~/data", filepath.Join(home, "data")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExpandPath(tt.in)
		if err != nil {
			t.Fatalf("ExpandPath(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDirs(t *testing.T) {
	if !strings.HasSuffix(DataDir(), "simbatch") {
		t.Errorf("DataDir() = %q", DataDir())
	}
	if !strings.HasSuffix(StateDir(), "simbatch") {
		t.Errorf("StateDir() = %q", StateDir())
	}
	if DefaultHistoryPath() != filepath.Join(DataDir(), "history") {
		t.Errorf("DefaultHistoryPath() = %q", DefaultHistoryPath())
	}
	if (&Config{}).HistoryPath() != DefaultHistoryPath() {
		t.Error("empty History.Path should use the default")
	}
}
