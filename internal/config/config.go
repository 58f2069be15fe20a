// Package config manages engine configuration and the data directory layout.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apivpn/apivpn-core/internal/fileutil"
)

const (
	// ConfigFileName is the name of the optional tuning file inside the data directory.
	ConfigFileName = "config.json"
	// MetadataFileName is the name of the persisted initialization metadata.
	MetadataFileName = "metadata.json"
	// LogsDirName is the directory holding core and connection logs.
	LogsDirName = "logs"
	// CoreLogFileName receives engine logs when console logging is off.
	CoreLogFileName = "core.log"
)

// Config holds engine tuning read from <data_dir>/config.json.
// Every field has a default so the file is optional.
type Config struct {
	Platform              string `json:"platform"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	PingWorkers           int    `json:"ping_workers"`
	PingTimeoutMillis     int    `json:"ping_timeout_ms"`
	PingPort              int    `json:"ping_port"`
	AttachTimeoutSeconds  int    `json:"attach_timeout_seconds"`
	StatsIntervalMillis   int    `json:"stats_interval_ms"`
	MTU                   int    `json:"mtu"`
	RelayUpstream         string `json:"relay_upstream,omitempty"`
	UseRelayForAPI        bool   `json:"use_relay_for_api"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Platform:              "linux",
		RequestTimeoutSeconds: 15,
		PingWorkers:           16,
		PingTimeoutMillis:     2000,
		PingPort:              443,
		AttachTimeoutSeconds:  20,
		StatsIntervalMillis:   1000,
		MTU:                   1500,
	}
}

// RequestTimeout is the per-request timeout of control-plane calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PingTimeout bounds a single server probe.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutMillis) * time.Millisecond
}

// AttachTimeout bounds the tunnel attach.
func (c *Config) AttachTimeout() time.Duration {
	return time.Duration(c.AttachTimeoutSeconds) * time.Second
}

// StatsInterval is the statistics sampling period.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMillis) * time.Millisecond
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Platform == "" {
		return fmt.Errorf("platform must not be empty")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.PingWorkers <= 0 {
		return fmt.Errorf("ping workers must be positive")
	}
	if c.PingTimeoutMillis <= 0 {
		return fmt.Errorf("ping timeout must be positive")
	}
	if c.PingPort <= 0 || c.PingPort > 65535 {
		return fmt.Errorf("ping port must be between 1 and 65535")
	}
	if c.AttachTimeoutSeconds <= 0 {
		return fmt.Errorf("attach timeout must be positive")
	}
	if c.StatsIntervalMillis < 100 {
		return fmt.Errorf("stats interval must be at least 100ms")
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("mtu must be between 576 and 65535")
	}
	return nil
}

// Paths holds the resolved layout of a data directory.
type Paths struct {
	DataDir      string
	ConfigFile   string
	MetadataFile string
	LogsDir      string
	CoreLogFile  string
}

// NewPaths returns the layout rooted at dataDir.
func NewPaths(dataDir string) *Paths {
	logsDir := filepath.Join(dataDir, LogsDirName)
	return &Paths{
		DataDir:      dataDir,
		ConfigFile:   filepath.Join(dataDir, ConfigFileName),
		MetadataFile: filepath.Join(dataDir, MetadataFileName),
		LogsDir:      logsDir,
		CoreLogFile:  filepath.Join(logsDir, CoreLogFileName),
	}
}

// EnsurePaths creates the data and logs directories.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(p.LogsDir, 0700); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is inside the caller's data directory
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to disk atomically.
func Save(path string, cfg *Config) error {
	if err := fileutil.WriteJSON(path, cfg, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Manager owns the configuration of one data directory.
// It is safe for concurrent use from multiple goroutines.
type Manager struct {
	paths  *Paths       // Immutable after construction
	config *Config      // Protected by mu
	mu     sync.RWMutex // Protects config only
}

// NewManager creates the directory layout under paths and loads the configuration.
func NewManager(paths *Paths) (*Manager, error) {
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	cfg, err := Load(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &Manager{
		paths:  paths,
		config: cfg,
	}, nil
}

// Paths returns the data directory layout.
func (m *Manager) Paths() *Paths {
	return m.paths
}

// GetConfig returns a copy of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// UpdateField applies mutator to a copy, validates it and persists it.
// If validation fails, the original config is preserved.
func (m *Manager) UpdateField(mutator func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	configCopy := *m.config
	mutator(&configCopy)
	if err := configCopy.Validate(); err != nil {
		return err
	}

	*m.config = configCopy
	return Save(m.paths.ConfigFile, m.config)
}
