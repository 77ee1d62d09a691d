package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hack0303/ice/config"
	"github.com/hack0303/ice/registry"
	"github.com/hack0303/ice/transport"
)

var (
	configPath string
	logLevel   string
	registryTo string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "icerpc",
		Short:        "icerpc - asynchronous RPC demo server and load generator",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&registryTo, "registry", "", "Registry kind: static or etcd (overrides config)")

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file (if any), then the environment, then the
// persistent flags.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if registryTo != "" {
		cfg.Registry.Kind = registryTo
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// registryCloser is a Registry holding a connection to release.
type registryCloser interface {
	registry.Registry
	Close() error
}

type nopCloser struct{ registry.Registry }

func (nopCloser) Close() error { return nil }

// newRegistry builds the configured registry. A static registry serves the
// configured addresses for every name in services.
func newRegistry(cfg config.RegistryConfig, log *zap.Logger, services ...string) (registryCloser, error) {
	switch cfg.Kind {
	case "etcd":
		return registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout,
			registry.WithPrefix(cfg.Prefix), registry.WithLogger(log))
	case "static":
		return nopCloser{registry.StaticFor(cfg.Static, services...)}, nil
	default:
		return nil, errors.Errorf("unknown registry %q", cfg.Kind)
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func transportDialer(timeout time.Duration) transport.Dialer {
	return transport.DialTCP(durationOr(timeout, 5*time.Second))
}
