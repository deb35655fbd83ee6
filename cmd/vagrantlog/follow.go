package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/health"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/parser"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/server"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/tailer"
)

func runFollow(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("follow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Path to configuration file")
	important := fs.Bool("important", false, "Only print important record types")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, logger, err := setup(*configFile, stderr)
	if err != nil {
		return fail(stderr, err)
	}

	allow, err := selectRecords(cfg, *important, "")
	if err != nil {
		return fail(stderr, err)
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = cfg.Follow.Paths
	}
	if len(paths) == 0 {
		return fail(stderr, errors.New("no files to follow"))
	}

	logger.Info().
		Str("version", version).
		Strs("paths", paths).
		Msg("Starting follower")

	shut := shutdown.New(shutdown.Config{
		Timeout: cfg.ShutdownTimeout,
		Logger:  logger,
	})

	ckptMgr, err := checkpoint.NewManager(cfg.Follow.CheckpointPath, cfg.Follow.CheckpointInterval, logger)
	if err != nil {
		return fail(stderr, err)
	}
	if err := ckptMgr.Load(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load checkpoints, starting fresh")
	}
	ckptMgr.Start()
	shut.RegisterFunc("checkpoint", func(context.Context) error {
		return ckptMgr.Stop()
	})

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

	t, err := tailer.New(tailer.Config{
		Paths:       paths,
		Checkpoints: ckptMgr,
		Parser:      parser.New(),
		StartAt:     cfg.Follow.StartAt,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		shut.Shutdown()
		return fail(stderr, err)
	}

	checker := health.NewChecker(cfg.Health.Timeout)
	checker.Register("follower", health.ErrCheck(t.Err))

	srvCfg := server.Config{
		MetricsPath:      cfg.Metrics.Path,
		LivenessPath:     cfg.Health.LivenessPath,
		ReadinessPath:    cfg.Health.ReadinessPath,
		ProfilingAddress: profilingAddress(cfg),
		Metrics:          collector,
		HealthChecker:    checker,
		Logger:           logger,
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsAddress = cfg.Metrics.Address
	}
	if cfg.Health.Enabled {
		srvCfg.HealthAddress = cfg.Health.Address
	}
	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		shut.Shutdown()
		return fail(stderr, err)
	}
	shut.RegisterFunc("server", srv.Stop)

	if err := t.Start(); err != nil {
		shut.Shutdown()
		return fail(stderr, fmt.Errorf("failed to start follower: %w", err))
	}
	shut.RegisterFunc("follower", func(context.Context) error {
		t.Stop()
		return nil
	})

	go shut.WaitForSignal(ctx)

	enc := json.NewEncoder(stdout)
	for entry := range t.Entries() {
		if entry.Err != nil {
			fmt.Fprintf(stderr, "vagrantlog: %s: %v\n", entry.Path, entry.Err)
			continue
		}
		if !allow.Allows(entry.Record.Type) {
			continue
		}
		if err := enc.Encode(entry.Record); err != nil {
			logger.Error().Err(err).Msg("Failed to write record")
		}
	}

	if err := shut.Shutdown(); err != nil {
		return fail(stderr, err)
	}
	if err := t.Err(); err != nil {
		return exitFailure
	}
	return exitOK
}
