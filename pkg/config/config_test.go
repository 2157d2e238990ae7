package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wss://web.whatsapp.com/ws/chat", cfg.URL)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envOf(map[string]string{
		"COBALT_REQUEST_TIMEOUT":  "5s",
		"COBALT_LISTENER_WORKERS": "8",
		"COBALT_VERSION":          "2.2412.54",
		"COBALT_DATA_DIR":         "/tmp/cobalt",
		"COBALT_STORAGE":          "file",
	}))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 8, cfg.ListenerWorkers)
	assert.Equal(t, [3]uint32{2, 2412, 54}, cfg.Version)
	assert.Equal(t, "/tmp/cobalt/cobalt.db", cfg.DatabasePath)
	assert.Equal(t, "file", cfg.Storage)
	assert.Equal(t, "2.2412.54", cfg.VersionString())
}

func TestApplyEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"COBALT_REQUEST_TIMEOUT": "soon"}},
		{"bad int", map[string]string{"COBALT_LISTENER_WORKERS": "many"}},
		{"bad version", map[string]string{"COBALT_VERSION": "2.3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Default().applyEnv(envOf(tt.env))
			if err == nil {
				t.Errorf("applyEnv(%v) error = nil, want error", tt.env)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no url", func(c *Config) { c.URL = "" }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"inverted backoff", func(c *Config) { c.ReconnectMaxDelay = c.ReconnectBaseDelay / 2 }},
		{"no workers", func(c *Config) { c.ListenerWorkers = 0 }},
		{"unknown storage", func(c *Config) { c.Storage = "redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
