package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/health"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/security"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/server"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/shutdown"
)

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Path to configuration file")
	address := fs.String("address", "", "Listen address, overrides server.address")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, logger, err := setup(*configFile, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	if *address != "" {
		cfg.Server.Address = *address
	}

	logger.Info().
		Str("version", version).
		Str("address", cfg.Server.Address).
		Msg("Starting decode service")

	apiKeys, err := security.ResolveSecrets(cfg.Server.APIKeys)
	if err != nil {
		return fail(stderr, fmt.Errorf("failed to resolve api keys: %w", err))
	}

	var tlsConfig *tls.Config
	if cfg.Server.TLS.Enabled {
		tlsConfig, err = security.LoadTLSConfig(security.TLSConfig{
			CertFile: cfg.Server.TLS.CertFile,
			KeyFile:  cfg.Server.TLS.KeyFile,
			CAFile:   cfg.Server.TLS.CAFile,
		})
		if err != nil {
			return fail(stderr, err)
		}
	}

	shut := shutdown.New(shutdown.Config{
		Timeout: cfg.ShutdownTimeout,
		Logger:  logger,
	})

	provider, err := newTracing(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	shut.RegisterFunc("tracing", provider.Shutdown)

	profiler, err := startProfiler(cfg, logger)
	if err != nil {
		shut.Shutdown()
		return fail(stderr, err)
	}
	shut.RegisterFunc("profiling", func(context.Context) error {
		return profiler.Stop()
	})

	collector := metrics.NewCollector()
	collector.Start(0)
	shut.RegisterFunc("metrics", func(context.Context) error {
		collector.Stop()
		return nil
	})

	checker := health.NewChecker(cfg.Health.Timeout)
	checker.Register("decoder", health.AlwaysHealthy())

	// metrics and health share the decode listener unless given their own
	metricsAddr, healthAddr := cfg.Server.Address, cfg.Server.Address
	if cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Address
	}
	if cfg.Health.Enabled {
		healthAddr = cfg.Health.Address
	}

	srv := server.New(server.Config{
		Address:          cfg.Server.Address,
		DecodePath:       cfg.Server.DecodePath,
		APIKeys:          apiKeys,
		RateLimit:        cfg.Server.RateLimit,
		MaxBodySize:      cfg.Server.MaxBodySize,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		TLS:              tlsConfig,
		Verbose:          cfg.Decode.Verbose,
		Types:            cfg.Decode.Types,
		Namespace:        cfg.Decode.Namespace,
		MetricsAddress:   metricsAddr,
		MetricsPath:      cfg.Metrics.Path,
		HealthAddress:    healthAddr,
		LivenessPath:     cfg.Health.LivenessPath,
		ReadinessPath:    cfg.Health.ReadinessPath,
		ProfilingAddress: profilingAddress(cfg),
		Metrics:          collector,
		HealthChecker:    checker,
		Tracer:           provider.Tracer(),
		Logger:           logger,
	})
	if err := srv.Start(); err != nil {
		shut.Shutdown()
		return fail(stderr, err)
	}
	shut.RegisterFunc("server", srv.Stop)

	if err := shut.WaitForSignal(ctx); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}
