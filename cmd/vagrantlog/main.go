package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/config"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/filter"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/profiling"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/tracing"
)

var version = "0.1.0"

// Exit codes
const (
	exitOK        = 0
	exitFailure   = 1 // decode, config or runtime failure
	exitErrorExit = 2 // vagrant itself reported error-exit
)

const usage = `Usage: vagrantlog <command> [flags]

Commands:
  decode   decode machine-readable output from files or stdin
  follow   follow capture files and print records as they arrive
  serve    run the HTTP decode service
  version  print the version

Records are written as JSON Lines. Bytes that are not valid UTF-8 become
U+FFFD; vagrantlog_decoder_invalid_utf8_total counts the affected records.
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitFailure
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "decode":
		return runDecode(ctx, rest, stdin, stdout, stderr)
	case "follow":
		return runFollow(ctx, rest, stdout, stderr)
	case "serve":
		return runServe(ctx, rest, stderr)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "vagrantlog %s\n", version)
		return exitOK
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "vagrantlog: unknown command %q\n\n%s", cmd, usage)
		return exitFailure
	}
}

// setup loads configuration and builds the process logger. Logs go to stderr.
func setup(configPath string, stderr io.Writer) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})
	logging.SetGlobal(logger)

	return cfg, logger, nil
}

func newTracing(ctx context.Context, cfg *config.Config) (*tracing.Provider, error) {
	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}
	return provider, nil
}

// startProfiler starts the configured profile files; a disabled section yields a no-op profiler
func startProfiler(cfg *config.Config, logger *logging.Logger) (*profiling.Profiler, error) {
	var pcfg profiling.Config
	if cfg.Profiling.Enabled {
		pcfg = profiling.Config{
			CPUProfilePath: cfg.Profiling.CPUProfile,
			MemProfilePath: cfg.Profiling.MemProfile,
			BlockProfile:   cfg.Profiling.BlockProfile,
			MutexProfile:   cfg.Profiling.MutexProfile,
		}
	}

	profiler := profiling.New(pcfg, logger)
	if err := profiler.Start(); err != nil {
		return nil, err
	}
	return profiler, nil
}

// selectRecords applies -important or -types on top of the configured decode mode
func selectRecords(cfg *config.Config, important bool, typeList string) (*filter.AllowList, error) {
	allow, err := filter.Override(filter.ForMode(cfg.Decode.Verbose, cfg.Decode.Types), important, typeList)
	if err != nil {
		return nil, fmt.Errorf("invalid record selection: %w", err)
	}
	return allow, nil
}

func profilingAddress(cfg *config.Config) string {
	if !cfg.Profiling.Enabled {
		return ""
	}
	return cfg.Profiling.Address
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "vagrantlog: %v\n", err)
	return exitFailure
}
