package metrics

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/parser"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

// Namespace for all metrics
const namespace = "vagrantlog"

// unknownTypeLabel keeps the type label bounded when vagrant emits new tags
const unknownTypeLabel = "unknown"

// Collector provides a central place for all application metrics
type Collector struct {
	// Decoder metrics
	RecordsDecoded *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	UnknownTypes   *prometheus.CounterVec
	InvalidUTF8    *prometheus.CounterVec
	BatchSize      *prometheus.HistogramVec
	BatchDuration  *prometheus.HistogramVec
	ErrorExits     *prometheus.CounterVec

	// Follower metrics
	FollowerLines       *prometheus.CounterVec
	FollowerActiveFiles prometheus.Gauge

	// Worker pool metrics
	WorkerPoolSize prometheus.Gauge
	WorkersBusy    prometheus.Gauge
	WorkerTasks    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests    *prometheus.CounterVec
	HTTPRateLimited prometheus.Counter

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initDecoderMetrics()
	c.initFollowerMetrics()
	c.initWorkerMetrics()
	c.initHTTPMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initDecoderMetrics() {
	c.RecordsDecoded = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "records_total",
			Help:      "Total number of records decoded, by source and record type",
		},
		[]string{"source", "type"},
	)

	c.DecodeFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "failures_total",
			Help:      "Total number of lines or batches rejected by the decoder",
		},
		[]string{"source", "reason"},
	)

	c.UnknownTypes = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "unknown_types_total",
			Help:      "Total number of records whose type tag is not in the known vocabulary",
		},
		[]string{"source"},
	)

	c.InvalidUTF8 = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "invalid_utf8_total",
			Help:      "Total number of records with non-UTF-8 target or data, which JSON output replaces with U+FFFD",
		},
		[]string{"source"},
	)

	c.BatchSize = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "batch_records",
			Help:      "Number of records in a successfully decoded batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
		},
		[]string{"source"},
	)

	c.BatchDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "batch_duration_seconds",
			Help:      "Time taken to decode a batch",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
		[]string{"source"},
	)

	c.ErrorExits = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "error_exits_total",
			Help:      "Total number of error-exit records reported by vagrant",
		},
		[]string{"source"},
	)
}

func (c *Collector) initFollowerMetrics() {
	c.FollowerLines = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "follower",
			Name:      "lines_total",
			Help:      "Total number of lines read from followed capture files",
		},
		[]string{"path"},
	)

	c.FollowerActiveFiles = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "follower",
			Name:      "active_files",
			Help:      "Number of capture files currently followed",
		},
	)
}

func (c *Collector) initWorkerMetrics() {
	c.WorkerPoolSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pool_size",
			Help:      "Number of decode workers",
		},
	)

	c.WorkersBusy = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Number of workers currently running a task",
		},
	)

	c.WorkerTasks = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Total number of tasks run by the worker pool, by result",
		},
		[]string{"result"},
	)
}

func (c *Collector) initHTTPMetrics() {
	c.HTTPRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of decode requests by status code",
		},
		[]string{"code"},
	)

	c.HTTPRateLimited = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of rate-limited decode requests",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_alloc_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)
}

// ObserveRecord counts one decoded record
func (c *Collector) ObserveRecord(source string, r types.Record) {
	label := string(r.Type)
	if !r.Type.Known() {
		label = unknownTypeLabel
		c.UnknownTypes.WithLabelValues(source).Inc()
	}
	c.RecordsDecoded.WithLabelValues(source, label).Inc()

	if r.Type == types.ErrorExit {
		c.ErrorExits.WithLabelValues(source).Inc()
	}
	if !validUTF8(r) {
		c.InvalidUTF8.WithLabelValues(source).Inc()
	}
}

func validUTF8(r types.Record) bool {
	if !utf8.ValidString(r.Target) {
		return false
	}
	for _, d := range r.Data {
		if !utf8.ValidString(d) {
			return false
		}
	}
	return true
}

// ObserveFailure counts a rejected line or batch
func (c *Collector) ObserveFailure(source string, err error) {
	c.DecodeFailures.WithLabelValues(source, parser.Reason(err)).Inc()
}

// ObserveBatch records the outcome of one batch decode
func (c *Collector) ObserveBatch(source string, records []types.Record, err error, elapsed time.Duration) {
	c.BatchDuration.WithLabelValues(source).Observe(elapsed.Seconds())

	if err != nil {
		c.ObserveFailure(source, err)
		return
	}

	c.BatchSize.WithLabelValues(source).Observe(float64(len(records)))
	for _, r := range records {
		c.ObserveRecord(source, r)
	}
}

// ObserveHTTP counts a finished decode request
func (c *Collector) ObserveHTTP(code int) {
	c.HTTPRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Start begins collecting system metrics every interval
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.collectSystemMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the system metrics loop
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))
}

// Push sends every metric to a Prometheus Pushgateway under job. Used by
// short-lived commands that exit before they could be scraped.
func (c *Collector) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(c.registry).Push(); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
