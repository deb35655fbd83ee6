package profiling

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	CPUProfilePath string
	MemProfilePath string
	BlockProfile   bool
	MutexProfile   bool
}

// Profiler writes CPU and heap profiles around a run
type Profiler struct {
	config  Config
	logger  *logging.Logger
	cpuFile *os.File
	mu      sync.Mutex
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
	}
}

// Start enables the configured profiles
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	if p.config.CPUProfilePath == "" || p.cpuFile != nil {
		return nil
	}

	f, err := os.Create(p.config.CPUProfilePath)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile: %w", err)
	}
	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profile: %w", err)
	}

	p.cpuFile = f
	p.logger.Debug().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	return nil
}

// Stop ends CPU profiling and writes the heap profile
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cpuFile != nil {
		runtimepprof.StopCPUProfile()
		err := p.cpuFile.Close()
		p.cpuFile = nil
		if err != nil {
			return fmt.Errorf("failed to close CPU profile: %w", err)
		}
		p.logger.Debug().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
	}

	if p.config.MemProfilePath != "" {
		if err := p.writeMemProfile(); err != nil {
			return err
		}
	}

	return nil
}

func (p *Profiler) writeMemProfile() error {
	f, err := os.Create(p.config.MemProfilePath)
	if err != nil {
		return fmt.Errorf("failed to create memory profile: %w", err)
	}
	defer f.Close()

	runtime.GC()

	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write memory profile: %w", err)
	}

	p.logger.Debug().Str("path", p.config.MemProfilePath).Msg("Memory profile saved")
	return nil
}

// Handler serves the pprof endpoints and runtime stats under /debug/
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", statsHandler)
	return mux
}

// statsHandler returns runtime statistics
func statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Fprintf(w, "Alloc: %d MB\n", m.Alloc/1024/1024)
	fmt.Fprintf(w, "Sys: %d MB\n", m.Sys/1024/1024)
	fmt.Fprintf(w, "HeapObjects: %d\n", m.HeapObjects)
	fmt.Fprintf(w, "NumGC: %d\n", m.NumGC)
	if m.NumGC > 0 {
		fmt.Fprintf(w, "LastGC: %s\n", time.Unix(0, int64(m.LastGC)).Format(time.RFC3339))
	}
}
