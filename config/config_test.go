package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "horus", "config.json")
	t.Setenv("HORUS_CONFIG_PATH", path)
	t.Setenv("HORUS_CONTROLLER", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultControllerAddr, cfg.Controller.Address)
	assert.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	require.NoError(t, err, "defaults should be persisted")
}

func TestLoadConfigKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"controller":{"address":"horus-a1b2.local"}}`), 0600))
	t.Setenv("HORUS_CONFIG_PATH", path)
	t.Setenv("HORUS_CONTROLLER", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "horus-a1b2.local", cfg.Controller.Address)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval())
	assert.Equal(t, 15*time.Second, cfg.ScanMaxWait())
	assert.Equal(t, 3000, cfg.Limits.TPDMax)
}

func TestLoadConfigYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := "controller:\n  address: 10.0.0.5\nota:\n  poll_interval: 3\n  max_wait: 60\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))
	t.Setenv("HORUS_CONFIG_PATH", path)
	t.Setenv("HORUS_CONTROLLER", "https://horus.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.OTAPollInterval())
	assert.Equal(t, "https://horus.example", cfg.Controller.Address)

	require.NoError(t, cfg.Save())
	cfg2, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.OTA, cfg2.OTA)
}

func TestParseControllerAddr(t *testing.T) {
	o, err := ParseControllerAddr("192.168.4.1")
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.4.1", o.BaseURL())
	assert.Equal(t, "ws://192.168.4.1/ws", o.WebSocketURL())

	o, err = ParseControllerAddr("https://horus-a1b2.local:8443/")
	require.NoError(t, err)
	assert.Equal(t, "https://horus-a1b2.local:8443", o.BaseURL())
	assert.Equal(t, "wss://horus-a1b2.local:8443/ws", o.WebSocketURL())

	_, err = ParseControllerAddr("http://host/path")
	assert.Error(t, err)
	_, err = ParseControllerAddr("  ")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Limits.DurMin = 200
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Panel.PasswordHash = "$2a$10$x"
	bad.Panel.JWTSecret = "short"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MQTT.Enabled = true
	assert.Error(t, bad.Validate())

	for name, mutate := range map[string]func(*Config){
		"reconnect max zero":        func(c *Config) { c.Session.ReconnectMaxMs = 0 },
		"reconnect max negative":    func(c *Config) { c.Session.ReconnectMaxMs = -1 },
		"reconnect max below start": func(c *Config) { c.Session.ReconnectMaxMs = c.Session.ReconnectInitialMs - 1 },
		"http timeout zero":         func(c *Config) { c.Controller.HTTPTimeout = 0 },
		"http timeout negative":     func(c *Config) { c.Controller.HTTPTimeout = -5 },
		"lost notice zero":          func(c *Config) { c.Session.LostNoticeAfter = 0 },
	} {
		bad = DefaultConfig()
		mutate(bad)
		assert.Error(t, bad.Validate(), name)
	}
}
