package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromFile(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "ice.yaml")
	r.NoError(os.WriteFile(path, []byte(`
log:
  level: debug
registry:
  kind: etcd
  endpoints: ["10.0.0.1:2379", "10.0.0.2:2379"]
client:
  codec: cbor
  timeout: 250ms
  retry:
    max_retries: 5
server:
  rate_limit: 200
`), 0o600))

	cfg, err := LoadFromFile(path)
	r.NoError(err)
	r.NoError(cfg.Validate())

	r.Equal("debug", cfg.Log.Level)
	r.Equal("etcd", cfg.Registry.Kind)
	r.Equal([]string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Registry.Endpoints)
	r.Equal("cbor", cfg.Client.Codec)
	r.Equal(250*time.Millisecond, cfg.Client.Timeout)
	r.Equal(5, cfg.Client.Retry.MaxRetries)
	r.Equal(200.0, cfg.Server.RateLimit)

	// Untouched settings keep their defaults.
	r.Equal(50*time.Millisecond, cfg.Client.Retry.BaseDelay)
	r.Equal(2, cfg.Client.PoolSize)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client: [not, a, map]"), 0o600))
	_, err = LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	r := require.New(t)

	t.Setenv("ICE_REGISTRY", "etcd")
	t.Setenv("ICE_ETCD_ENDPOINTS", "a:2379,b:2379")
	t.Setenv("ICE_CALL_TIMEOUT", "2s")
	t.Setenv("ICE_MAX_RETRIES", "0")
	t.Setenv("ICE_OTLP_ENDPOINT", "collector:4318")

	cfg := DefaultConfig()
	r.NoError(LoadFromEnv(cfg))

	r.Equal("etcd", cfg.Registry.Kind)
	r.Equal([]string{"a:2379", "b:2379"}, cfg.Registry.Endpoints)
	r.Equal(2*time.Second, cfg.Client.Timeout)
	r.Zero(cfg.Client.Retry.MaxRetries)
	r.True(cfg.Tracing.Enabled)
	r.Equal("collector:4318", cfg.Tracing.Endpoint)

	t.Setenv("ICE_CALL_TIMEOUT", "soon")
	r.Error(LoadFromEnv(cfg))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown registry", func(c *Config) { c.Registry.Kind = "zookeeper" }},
		{"no static addrs", func(c *Config) { c.Registry.Static = nil }},
		{"no etcd endpoints", func(c *Config) { c.Registry.Kind = "etcd"; c.Registry.Endpoints = nil }},
		{"pool size", func(c *Config) { c.Client.PoolSize = 0 }},
		{"retries", func(c *Config) { c.Client.Retry.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
