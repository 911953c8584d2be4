package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all dynamon configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Where uploaded applications and their capture files live
	Storage StorageConfig `yaml:"storage"`

	// Instrumentation engine (frida CLI)
	Engine EngineConfig `yaml:"engine"`

	// Live API monitor
	Monitor MonitorConfig `yaml:"monitor"`

	// Hook sets used when collecting runtime dependencies
	Dependencies DependencyHooksConfig `yaml:"dependencies"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the on-disk layout shared with the engine.
type StorageConfig struct {
	// UploadDir holds one directory per application, named by its MD5.
	UploadDir string `yaml:"upload_dir"`

	// DatabasePath is the SQLite app registry and findings store.
	DatabasePath string `yaml:"database_path"`
}

// EngineConfig configures the frida CLI adapter.
type EngineConfig struct {
	Binary   string `yaml:"binary"`    // frida
	PSBinary string `yaml:"ps_binary"` // frida-ps

	// DeviceID selects a device with -D; empty means the USB device (-U).
	DeviceID string `yaml:"device_id"`

	// ScriptDir contains default/ and auxiliary/ hook scripts.
	ScriptDir string `yaml:"script_dir"`

	// CommandTimeout bounds synchronous engine queries (process listing).
	CommandTimeout string `yaml:"command_timeout"`
}

// MonitorConfig configures follow mode of the live API monitor.
type MonitorConfig struct {
	PollInterval string `yaml:"poll_interval"`
	Debounce     string `yaml:"debounce"`
}

// DependencyHooksConfig lists the hook sets applied by the runtime
// dependency collector.
type DependencyHooksConfig struct {
	DefaultHooks   []string `yaml:"default_hooks"`
	AuxiliaryHooks []string `yaml:"auxiliary_hooks"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "dynamon",
		Version: "0.3.0",

		Storage: StorageConfig{
			UploadDir:    "data/uploads",
			DatabasePath: "data/dynamon.db",
		},

		Engine: EngineConfig{
			Binary:         "frida",
			PSBinary:       "frida-ps",
			ScriptDir:      "frida_scripts/android",
			CommandTimeout: "30s",
		},

		Monitor: MonitorConfig{
			PollInterval: "2s",
			Debounce:     "250ms",
		},

		Dependencies: DependencyHooksConfig{
			DefaultHooks:   []string{"ssl_pinning_bypass", "debugger_check_bypass", "root_bypass"},
			AuxiliaryHooks: []string{"get_dependencies"},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults plus environment when there is no file
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("DYNAMON_UPLOAD_DIR"); dir != "" {
		c.Storage.UploadDir = dir
	}
	if path := os.Getenv("DYNAMON_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if bin := os.Getenv("DYNAMON_FRIDA"); bin != "" {
		c.Engine.Binary = bin
	}
	if bin := os.Getenv("DYNAMON_FRIDA_PS"); bin != "" {
		c.Engine.PSBinary = bin
	}
	if dev := os.Getenv("DYNAMON_DEVICE"); dev != "" {
		c.Engine.DeviceID = dev
	}
	if dir := os.Getenv("DYNAMON_SCRIPT_DIR"); dir != "" {
		c.Engine.ScriptDir = dir
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("storage.upload_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Engine.Binary == "" || c.Engine.PSBinary == "" {
		return fmt.Errorf("engine.binary and engine.ps_binary are required")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

// AppDir returns the capture directory of the application with the given hash.
func (s StorageConfig) AppDir(hash string) string {
	return filepath.Join(s.UploadDir, hash)
}

// GetCommandTimeout returns the engine query timeout as a duration.
func (c *Config) GetCommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.Engine.CommandTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetPollInterval returns the monitor fallback poll interval.
func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Monitor.PollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// GetDebounce returns the monitor write-event debounce window.
func (c *Config) GetDebounce() time.Duration {
	d, err := time.ParseDuration(c.Monitor.Debounce)
	if err != nil || d < 0 {
		return 250 * time.Millisecond
	}
	return d
}
