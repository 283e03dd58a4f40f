package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 5*time.Second, cfg.Transport.ConnectTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Transport.ReconnectDelay.Std())
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, time.Hour, cfg.Predict.Window.Std())
	assert.Equal(t, 5*time.Minute, cfg.Predict.PendingTTL.Std())
	assert.True(t, cfg.Transport.EnablePrimary)
	assert.True(t, cfg.Predict.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"batch": {"size": 25, "linger": "50ms"},
		"cache": {"ttl": 120000},
		"transport": {"enableSecondary": false, "primaryUrl": "nats://localhost:4222"}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Batch.Size)
	assert.Equal(t, 50*time.Millisecond, cfg.Batch.Linger.Std())
	// Numeric durations are milliseconds
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL.Std())
	assert.False(t, cfg.Transport.EnableSecondary)
	assert.Equal(t, "nats://localhost:4222", cfg.Transport.PrimaryURL)
	// Untouched fields keep defaults
	assert.Equal(t, 10*time.Second, cfg.Batch.HandlerTimeout.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"batch": {"size": 25}}`), 0o600))

	t.Setenv("RELAY_BATCH_SIZE", "50")
	t.Setenv("RELAY_CONNECT_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Batch.Size)
	assert.Equal(t, 2*time.Second, cfg.Transport.ConnectTimeout.Std())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"no transport enabled", func(c *Config) {
			c.Transport.EnablePrimary = false
			c.Transport.EnableSecondary = false
		}, true},
		{"primary without url", func(c *Config) {
			c.Transport.PrimaryURL = ""
		}, true},
		{"secondary without url", func(c *Config) {
			c.Transport.SecondaryURL = ""
		}, true},
		{"zero batch size", func(c *Config) {
			c.Batch.Size = 0
		}, true},
		{"port out of range", func(c *Config) {
			c.HTTP.Port = 70000
		}, true},
		{"secondary only", func(c *Config) {
			c.Transport.EnablePrimary = false
			c.Transport.PrimaryURL = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExampleConfigParses(t *testing.T) {
	cfg, err := Load("example.json")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}
