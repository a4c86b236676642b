// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/courier/config"
	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/internal/wiring"
	"github.com/absmach/courier/ratelimit"
	"github.com/absmach/courier/server/health"
	apihttp "github.com/absmach/courier/server/http"
	"github.com/absmach/courier/server/otel"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to configuration file")

	return cmd
}

// serve runs the service until ctx is canceled or a server fails.
func serve(ctx context.Context, cfg *config.Config) (err error) {
	logger := wiring.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting courier",
		slog.String("version", version),
		slog.String("sink", cfg.Sink.Type),
		slog.String("checkpoint", cfg.Checkpoint.Path))

	opts := []delivery.Option{delivery.WithLogger(logger)}

	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		hostname, _ := os.Hostname()
		telemetry, oerr := otel.Setup(ctx, cfg.Server, hostname)
		if oerr != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", oerr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			err = multierr.Append(err, telemetry.Shutdown(shutdownCtx))
		}()
		opts = append(opts, delivery.WithTracer(telemetry.Tracer))

		if cfg.Server.OtelMetricsEnabled {
			metrics, err = otel.NewMetrics(telemetry.MeterProvider)
			if err != nil {
				return err
			}
			opts = append(opts, delivery.WithMetrics(metrics))
		}
	}

	sink, err := wiring.NewSink(cfg.Sink, logger)
	if err != nil {
		return fmt.Errorf("failed to open sink: %w", err)
	}
	defer func() { err = multierr.Append(err, sink.Close()) }()
	opts = append(opts, delivery.WithStorage(sink))

	if alerts := wiring.NewAlertHandler(cfg.Delivery.DeadLetter); alerts != nil {
		opts = append(opts, delivery.WithAlertHandler(alerts))
	}

	mcfg, err := cfg.ManagerConfig()
	if err != nil {
		return err
	}
	manager, err := delivery.New(mcfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start delivery manager: %w", err)
	}
	// Deferred last so it runs first: stop delivering before the sink closes.
	defer func() { err = multierr.Append(err, manager.Shutdown()) }()

	if metrics != nil {
		reg, err := metrics.RegisterStats(manager.Stats)
		if err != nil {
			return err
		}
		defer func() { _ = reg.Unregister() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.HTTPEnabled {
		var limiter *ratelimit.ProducerLimiter
		if rl := cfg.Server.RateLimit; rl.Enabled {
			limiter = ratelimit.New(rl.Rate, rl.Burst, rl.CleanupInterval)
			defer limiter.Stop()
		}

		var tlsCfg *tls.Config
		if cfg.Server.TLSEnabled {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			if err != nil {
				return fmt.Errorf("failed to load TLS certificate: %w", err)
			}
			tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}

		api := apihttp.New(apihttp.Config{
			Address:         cfg.Server.HTTPAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       tlsCfg,
			MaxPayloadSize:  cfg.Server.MaxPayloadSize,
		}, manager, limiter, logger)
		g.Go(func() error { return api.Listen(gctx) })
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, manager, logger)
		g.Go(func() error { return hs.Listen(gctx) })
	}

	logger.Info("courier started")
	<-gctx.Done()
	logger.Info("shutting down")

	return g.Wait()
}
