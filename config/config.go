// Package config holds the settings shared by the icerpc server and client.
//
// Settings start from DefaultConfig, are overlaid by a YAML file and then by
// ICE_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// RegistryConfig selects where services are registered and discovered.
type RegistryConfig struct {
	Kind        string        `yaml:"kind"` // static or etcd
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"`    // lease seconds
	Static      []string      `yaml:"static"` // server addresses for kind static
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// ClientConfig holds client-side settings
type ClientConfig struct {
	Codec       string        `yaml:"codec"` // json, binary or cbor
	Timeout     time.Duration `yaml:"timeout"`
	PoolSize    int           `yaml:"pool_size"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Balancer    string        `yaml:"balancer"`
	Retry       RetryConfig   `yaml:"retry"`
	MetricsAddr string        `yaml:"metrics_addr"` // empty disables /metrics
}

// ServerConfig holds server-side settings
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"` // zero disables
	RateLimit       float64       `yaml:"rate_limit"`      // requests per second, zero disables
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP collector, host:port
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Registry RegistryConfig `yaml:"registry"`
	Client   ClientConfig   `yaml:"client"`
	Server   ServerConfig   `yaml:"server"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Registry: RegistryConfig{
			Kind:        "static",
			Endpoints:   []string{"127.0.0.1:2379"},
			Prefix:      "/ice",
			DialTimeout: 5 * time.Second,
			TTL:         10,
			Static:      []string{"127.0.0.1:9090"},
		},
		Client: ClientConfig{
			Codec:       "json",
			Timeout:     5 * time.Second,
			PoolSize:    2,
			Heartbeat:   30 * time.Second,
			DialTimeout: 5 * time.Second,
			Balancer:    "round_robin",
			Retry: RetryConfig{
				MaxRetries: 2,
				BaseDelay:  50 * time.Millisecond,
				MaxDelay:   time.Second,
			},
		},
		Server: ServerConfig{
			Listen:          ":9090",
			RateBurst:       100,
			ShutdownTimeout: 5 * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "icerpc",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("ICE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ICE_REGISTRY"); v != "" {
		cfg.Registry.Kind = v
	}
	if v := os.Getenv("ICE_ETCD_ENDPOINTS"); v != "" {
		cfg.Registry.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("ICE_STATIC_ADDRS"); v != "" {
		cfg.Registry.Static = strings.Split(v, ",")
	}
	if v := os.Getenv("ICE_CODEC"); v != "" {
		cfg.Client.Codec = v
	}
	if v := os.Getenv("ICE_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "ICE_CALL_TIMEOUT")
		}
		cfg.Client.Timeout = d
	}
	if v := os.Getenv("ICE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "ICE_MAX_RETRIES")
		}
		cfg.Client.Retry.MaxRetries = n
	}
	if v := os.Getenv("ICE_METRICS_ADDR"); v != "" {
		cfg.Client.MetricsAddr = v
	}
	if v := os.Getenv("ICE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("ICE_ADVERTISE"); v != "" {
		cfg.Server.Advertise = v
	}
	if v := os.Getenv("ICE_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Registry.Kind {
	case "static":
		if len(c.Registry.Static) == 0 {
			return errors.New("registry.static: no addresses")
		}
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("registry.endpoints: no etcd endpoints")
		}
	default:
		return errors.Errorf("registry.kind: unknown %q", c.Registry.Kind)
	}
	if c.Client.PoolSize < 1 {
		return errors.Errorf("client.pool_size: must be positive, got %d", c.Client.PoolSize)
	}
	if c.Client.Retry.MaxRetries < 0 {
		return errors.Errorf("client.retry.max_retries: must not be negative, got %d", c.Client.Retry.MaxRetries)
	}
	return nil
}
