package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/filter"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/parser"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/properties"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/tracing"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/worker"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

const stdinName = "-"

const (
	metricsSource = "cli"
	pushJob       = "vagrantlog_decode"
)

type batch struct {
	source  string
	records []types.Record
	err     error
	elapsed time.Duration
}

func runDecode(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Path to configuration file")
	important := fs.Bool("important", false, "Only print important record types")
	typeList := fs.String("types", "", "Comma-separated record types to print")
	props := fs.Bool("properties", false, "Print extracted properties instead of records")
	allowErrorExit := fs.Bool("allow-error-exit", false, "Exit 0 even when vagrant reported error-exit")
	cpuProfile := fs.String("cpuprofile", "", "Write a CPU profile to this file")
	memProfile := fs.String("memprofile", "", "Write a heap profile to this file")
	pushGateway := fs.String("pushgateway", "", "Push decode metrics to this Pushgateway URL, overrides metrics.push_gateway")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, logger, err := setup(*configFile, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	if *pushGateway != "" {
		cfg.Metrics.PushGateway = *pushGateway
	}

	allow, err := selectRecords(cfg, *important, *typeList)
	if err != nil {
		return fail(stderr, err)
	}

	if *cpuProfile != "" || *memProfile != "" {
		cfg.Profiling.Enabled = true
		if *cpuProfile != "" {
			cfg.Profiling.CPUProfile = *cpuProfile
		}
		if *memProfile != "" {
			cfg.Profiling.MemProfile = *memProfile
		}
	}
	profiler, err := startProfiler(cfg, logger)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to write profile")
		}
	}()

	provider, err := newTracing(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer provider.Shutdown(context.Background())

	sources := fs.Args()
	if len(sources) == 0 {
		sources = []string{stdinName}
	}
	stdinCount := 0
	for _, src := range sources {
		if src == stdinName {
			stdinCount++
		}
	}
	if stdinCount > 1 {
		return fail(stderr, errors.New("stdin may only be named once"))
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.PushGateway != "" {
		defer func() {
			if err := collector.Push(cfg.Metrics.PushGateway, pushJob); err != nil {
				logger.Warn().Err(err).Str("gateway", cfg.Metrics.PushGateway).Msg("Failed to push metrics")
			}
		}()
	}

	pool := worker.NewPool(worker.PoolConfig{
		NumWorkers: cfg.Decode.Workers,
		QueueSize:  len(sources),
		Metrics:    collector,
	})
	pool.Start()
	batches := decodeSources(ctx, pool, provider.Tracer(), logger, sources, stdin)
	pool.Stop()

	for _, b := range batches {
		collector.ObserveBatch(metricsSource, b.records, b.err, b.elapsed)
	}

	var records []types.Record
	for _, b := range batches {
		if b.err != nil {
			logger.Debug().Err(b.err).Str("source", b.source).Msg("Decode failed")
			return fail(stderr, fmt.Errorf("%s: %w", b.source, b.err))
		}
		records = append(records, b.records...)
	}

	logger.Debug().
		Int("sources", len(sources)).
		Int("records", len(records)).
		Msg("Decoded input")

	out := bufio.NewWriter(stdout)
	if *props {
		_, span := tracing.TraceExtract(ctx, provider.Tracer(), len(records))
		extracted := properties.Extract(records, cfg.Decode.Namespace)
		span.End()
		err = writeProperties(out, extracted)
	} else {
		err = writeRecords(out, allow.Apply(records))
	}
	if err == nil {
		err = out.Flush()
	}
	if err != nil {
		return fail(stderr, fmt.Errorf("failed to write output: %w", err))
	}

	var exitErr *filter.ExitError
	if errors.As(filter.ErrorExit(records), &exitErr) && cfg.Decode.FailOnErrorExit && !*allowErrorExit {
		fmt.Fprintf(stderr, "vagrantlog: %v\n", exitErr)
		return exitErrorExit
	}

	return exitOK
}

// decodeSources decodes every source on the pool. Results keep argument order.
func decodeSources(ctx context.Context, pool *worker.Pool, tracer trace.Tracer, logger *logging.Logger, sources []string, stdin io.Reader) []batch {
	batches := make([]batch, len(sources))
	tasks := make([]worker.Task, len(sources))
	for i, src := range sources {
		batches[i].source = src
		tasks[i] = func(ctx context.Context) error {
			start := time.Now()
			_, span := tracing.TraceDecode(ctx, tracer, src)
			records, err := decodeSource(src, stdin)
			tracing.EndDecode(span, len(records), err)

			batches[i].records = records
			batches[i].elapsed = time.Since(start)
			logger.WithField("source", src).Debug().
				Int("records", len(records)).
				Dur("elapsed", batches[i].elapsed).
				Msg("Decoded source")
			return err
		}
	}

	for i, err := range pool.RunAll(ctx, tasks) {
		batches[i].err = err
	}
	return batches
}

func decodeSource(src string, stdin io.Reader) ([]types.Record, error) {
	if src == stdinName {
		return parser.DecodeReader(stdin)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	return parser.DecodeReader(f)
}

// writeRecords prints one JSON object per line
func writeRecords(w io.Writer, records []types.Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func writeProperties(w io.Writer, props properties.Properties) error {
	if props == nil {
		props = properties.Properties{}
	}
	return json.NewEncoder(w).Encode(props)
}
