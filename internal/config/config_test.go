package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 16, cfg.PingWorkers)
	assert.Equal(t, 2*time.Second, cfg.PingTimeout())
	assert.Equal(t, 443, cfg.PingPort)
	assert.Equal(t, 20*time.Second, cfg.AttachTimeout())
	assert.Equal(t, time.Second, cfg.StatsInterval())
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout())
	assert.False(t, cfg.UseRelayForAPI)
	assert.Empty(t, cfg.RelayUpstream)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty platform", func(c *Config) { c.Platform = "" }, "platform"},
		{"zero request timeout", func(c *Config) { c.RequestTimeoutSeconds = 0 }, "request timeout"},
		{"zero workers", func(c *Config) { c.PingWorkers = 0 }, "ping workers"},
		{"negative ping timeout", func(c *Config) { c.PingTimeoutMillis = -1 }, "ping timeout"},
		{"port out of range", func(c *Config) { c.PingPort = 70000 }, "ping port"},
		{"zero attach timeout", func(c *Config) { c.AttachTimeoutSeconds = 0 }, "attach timeout"},
		{"stats interval too small", func(c *Config) { c.StatsIntervalMillis = 10 }, "stats interval"},
		{"mtu too small", func(c *Config) { c.MTU = 100 }, "mtu"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewPaths(t *testing.T) {
	paths := NewPaths("/var/lib/apivpn")

	assert.Equal(t, "/var/lib/apivpn", paths.DataDir)
	assert.Equal(t, "/var/lib/apivpn/config.json", paths.ConfigFile)
	assert.Equal(t, "/var/lib/apivpn/metadata.json", paths.MetadataFile)
	assert.Equal(t, "/var/lib/apivpn/logs", paths.LogsDir)
	assert.Equal(t, "/var/lib/apivpn/logs/core.log", paths.CoreLogFile)
}

func TestPaths_EnsurePaths(t *testing.T) {
	paths := NewPaths(filepath.Join(t.TempDir(), "data"))

	require.NoError(t, paths.EnsurePaths())

	assert.DirExists(t, paths.DataDir)
	assert.DirExists(t, paths.LogsDir)
}

func TestLoad(t *testing.T) {
	t.Run("loads existing config", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		content := `{
			"ping_workers": 4,
			"ping_timeout_ms": 1500,
			"use_relay_for_api": true,
			"relay_upstream": "127.0.0.1:9050"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, 4, cfg.PingWorkers)
		assert.Equal(t, 1500*time.Millisecond, cfg.PingTimeout())
		assert.True(t, cfg.UseRelayForAPI)
		assert.Equal(t, "127.0.0.1:9050", cfg.RelayUpstream)
		// Unset keys keep their defaults.
		assert.Equal(t, 443, cfg.PingPort)
	})

	t.Run("returns default config when file does not exist", func(t *testing.T) {
		cfg, err := Load("/nonexistent/path/config.json")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("returns error for invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json {{{"), 0600))

		_, err := Load(configPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal config")
	})

	t.Run("returns error for invalid values", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"ping_workers": 0}`), 0600))

		_, err := Load(configPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}

func TestSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.PingWorkers = 8

	require.NoError(t, Save(configPath, cfg))

	loaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestManager(t *testing.T) {
	paths := NewPaths(filepath.Join(t.TempDir(), "data"))
	m, err := NewManager(paths)
	require.NoError(t, err)

	assert.Same(t, paths, m.Paths())
	assert.DirExists(t, paths.LogsDir)

	t.Run("GetConfig returns a copy", func(t *testing.T) {
		cfg := m.GetConfig()
		cfg.PingWorkers = 99
		assert.Equal(t, 16, m.GetConfig().PingWorkers)
	})

	t.Run("UpdateField persists valid changes", func(t *testing.T) {
		require.NoError(t, m.UpdateField(func(c *Config) {
			c.UseRelayForAPI = true
		}))
		assert.True(t, m.GetConfig().UseRelayForAPI)

		loaded, err := Load(paths.ConfigFile)
		require.NoError(t, err)
		assert.True(t, loaded.UseRelayForAPI)
	})

	t.Run("UpdateField rejects invalid changes", func(t *testing.T) {
		err := m.UpdateField(func(c *Config) { c.MTU = 1 })
		require.Error(t, err)
		assert.Equal(t, 1500, m.GetConfig().MTU)
	})
}

func TestManager_ConcurrentUpdates(t *testing.T) {
	m, err := NewManager(NewPaths(t.TempDir()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.UpdateField(func(c *Config) { c.PingWorkers++ })
			_ = m.GetConfig()
		}()
	}
	wg.Wait()

	assert.Equal(t, 36, m.GetConfig().PingWorkers)
}
