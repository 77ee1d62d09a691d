package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hack0303/ice/middleware"
	"github.com/hack0303/ice/server"
	"github.com/hack0303/ice/telemetry"
)

func serveCmd() *cobra.Command {
	var (
		listen    string
		advertise string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Arith demo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if advertise != "" {
				cfg.Server.Advertise = advertise
			}

			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			shutdownTracing, err := telemetry.Init(cmd.Context(), cfg.Tracing)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			svr := server.NewServer(server.WithLogger(log), server.WithRegistryTTL(cfg.Registry.TTL))
			svr.Use(middleware.TracingMiddleware(otel.Tracer("github.com/hack0303/ice/server"), nil))
			svr.Use(middleware.LoggingMiddleware(log))
			if cfg.Server.RateLimit > 0 {
				svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
			}
			if cfg.Server.HandlerTimeout > 0 {
				svr.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
			}
			if err := svr.Register(&Arith{}); err != nil {
				return err
			}

			l, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return errors.Wrapf(err, "listen %s", cfg.Server.Listen)
			}

			// A static registry only lives in this process; nothing to register with.
			var reg registryCloser
			if cfg.Registry.Kind == "etcd" {
				if cfg.Server.Advertise == "" {
					return errors.New("--advertise is required with an etcd registry")
				}
				if reg, err = newRegistry(cfg.Registry, log); err != nil {
					return err
				}
				defer reg.Close()
			}

			served := make(chan error, 1)
			go func() { served <- svr.ServeListener(l, cfg.Server.Advertise, reg) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-served:
				return err
			case sig := <-sigCh:
				log.Info("shutting down", zap.Stringer("signal", sig))
			}

			if err := svr.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
			return <-served
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "Address registered for clients (overrides config)")
	return cmd
}
