package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/DevHatRo/clamav-gateway-go/gateway"
	"github.com/DevHatRo/clamav-gateway-go/internal/bus"
	"github.com/DevHatRo/clamav-gateway-go/internal/cache"
	"github.com/DevHatRo/clamav-gateway-go/internal/config"
	"github.com/DevHatRo/clamav-gateway-go/internal/metrics"
	"github.com/DevHatRo/clamav-gateway-go/internal/s3mirror"
	"github.com/DevHatRo/clamav-gateway-go/internal/telemetry"
)

// app is the process-wide gateway and the dependencies it owns.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	gateway  *gateway.Gateway
	closers  []func(context.Context) error
}

// newApp loads configuration and wires the gateway with the optional Redis
// cache, NATS notifier and S3 mirror it names.
func newApp(ctx context.Context, configPath string, logOut io.Writer) (a *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a = &app{
		cfg:      cfg,
		logger:   telemetry.NewLogger(serviceName, cfg.LogLevel, logOut),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	opts := []gateway.Option{
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(metrics.New(a.registry)),
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		opts = append(opts, gateway.WithCache(cache.NewRedisCache(client, cfg.Gateway.CacheTTL)))
		a.logger.Info("using redis result cache")
	}

	if cfg.NATSURL != "" && cfg.Gateway.NotifyOnInfection {
		notifier, err := bus.Dial(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { notifier.Close(); return nil })
		opts = append(opts, gateway.WithNotifier(notifier))
		a.logger.Info("publishing infection events to nats", "subject", notifier.Subject())
	}

	if cfg.S3Bucket != "" {
		client, err := s3mirror.NewClientFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		mirror, err := s3mirror.New(client, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gateway.WithMirror(mirror))
		a.logger.Info("mirroring quarantine to s3", "bucket", cfg.S3Bucket)
	}

	gw, err := gateway.New(cfg.Gateway, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gateway: %w", err)
	}
	a.gateway = gw
	return a, nil
}

// Close releases dependencies in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
