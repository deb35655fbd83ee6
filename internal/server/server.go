package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/filter"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/health"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/parser"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/profiling"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/properties"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/tracing"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// metricsSource labels records decoded from request bodies
const metricsSource = "http"

// limiterIdle is how long a client's rate limiter survives without requests
const limiterIdle = 5 * time.Minute

// Config holds server configuration. Routes sharing an address share a listener.
type Config struct {
	// Address and DecodePath expose POST decoding; an empty DecodePath disables it
	Address    string
	DecodePath string

	APIKeys      []string
	RateLimit    int
	MaxBodySize  int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TLS, when set, serves the decode listener over HTTPS
	TLS *tls.Config

	// Verbose and Types pick the default record selection, see filter.ForMode
	Verbose   bool
	Types     []string
	Namespace string

	MetricsAddress string
	MetricsPath    string
	HealthAddress  string
	LivenessPath   string
	ReadinessPath  string

	// ProfilingAddress exposes pprof under /debug/
	ProfilingAddress string

	Metrics       *metrics.Collector
	HealthChecker *health.Checker
	Tracer        trace.Tracer
	Logger        *logging.Logger
}

// DecodeResponse is the body of a successful decode request. Invalid UTF-8
// in record fields is encoded as U+FFFD.
type DecodeResponse struct {
	RequestID  string                `json:"request_id"`
	Records    []types.Record        `json:"records"`
	Properties properties.Properties `json:"properties,omitempty"`
	ErrorExit  *ErrorExit            `json:"error_exit,omitempty"`
}

// ErrorExit describes the error-exit record vagrant emitted
type ErrorExit struct {
	Target    string `json:"target,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// ErrorResponse is the body of a failed request. Line and Reason are set
// for decode failures.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	Line      int    `json:"line,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server serves decode, metrics and health endpoints
type Server struct {
	cfg      Config
	allow    *filter.AllowList
	servers  []*http.Server
	logger   *logging.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 * 1024 * 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = "/health/live"
	}
	if cfg.ReadinessPath == "" {
		cfg.ReadinessPath = "/health/ready"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("vagrantlog")
	}

	s := &Server{
		cfg:      cfg,
		allow:    filter.ForMode(cfg.Verbose, cfg.Types),
		logger:   cfg.Logger.WithComponent("server"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}

	muxes := make(map[string]*http.ServeMux)
	var order []string
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		order = append(order, addr)
		return m
	}

	if cfg.Address != "" && cfg.DecodePath != "" {
		mux(cfg.Address).Handle(cfg.DecodePath, s.DecodeHandler())
	}

	if cfg.MetricsAddress != "" && cfg.Metrics != nil {
		mux(cfg.MetricsAddress).Handle(cfg.MetricsPath, promhttp.HandlerFor(
			cfg.Metrics.Registry(),
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		m := mux(cfg.HealthAddress)
		m.HandleFunc(cfg.LivenessPath, cfg.HealthChecker.LivenessHandler())
		m.HandleFunc(cfg.ReadinessPath, cfg.HealthChecker.ReadinessHandler())
		m.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
	}

	if cfg.ProfilingAddress != "" {
		mux(cfg.ProfilingAddress).Handle("/debug/", profiling.Handler())
	}

	for _, addr := range order {
		srv := &http.Server{
			Addr:         addr,
			Handler:      muxes[addr],
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		if addr == cfg.Address {
			srv.TLSConfig = cfg.TLS
		}
		s.servers = append(s.servers, srv)
	}

	return s
}

// DecodeHandler returns the decode endpoint wrapped in request-id, auth and
// rate-limit middleware
func (s *Server) DecodeHandler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleDecode))))
}

// Start starts every listener. It returns the first immediate startup error.
func (s *Server) Start() error {
	errCh := make(chan error, len(s.servers))

	for _, srv := range s.servers {
		go func(srv *http.Server) {
			s.logger.Info().
				Str("address", srv.Addr).
				Bool("tls", srv.TLSConfig != nil).
				Msg("Starting HTTP server")

			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s error: %w", srv.Addr, err)
			}
		}(srv)
	}

	go s.cleanupLimiters()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down every listener
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	var errs []error
	for _, srv := range s.servers {
		s.logger.Info().Str("address", srv.Addr).Msg("Shutting down HTTP server")
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Str("address", srv.Addr).Msg("Error shutting down HTTP server")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type ctxKey struct{}

// RequestID returns the request id stored by the request-id middleware
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// requestIDMiddleware honours an incoming X-Request-ID or mints a UUID,
// and counts the final status code
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		if s.metrics != nil {
			s.metrics.ObserveHTTP(rec.code)
		}
	})
}

// authMiddleware checks the X-API-Key or bearer token when keys are configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		for _, key := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", RequestID(r.Context())).
			Msg("Authentication failed")
		s.writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
	})
}

// rateLimitMiddleware applies a token bucket per client host
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit > 0 && !s.limiter(clientHost(r.RemoteAddr)).Allow() {
			if s.metrics != nil {
				s.metrics.HTTPRateLimited.Inc()
			}
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rate limit exceeded")
			s.writeError(w, r, http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleDecode decodes the request body as one fail-fast batch
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r.Context())
	ctx, span := tracing.TraceRequest(r.Context(), s.tracer, requestID)
	defer span.End()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	query := r.URL.Query()
	allow, err := filter.Override(s.allow, query.Get("important") == "true", query.Get("types"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	defer body.Close()

	start := time.Now()
	_, decodeSpan := tracing.TraceDecode(ctx, s.tracer, metricsSource)
	records, err := parser.DecodeReader(body)
	tracing.EndDecode(decodeSpan, len(records), err)
	if s.metrics != nil {
		s.metrics.ObserveBatch(metricsSource, records, err, time.Since(start))
	}

	if err != nil {
		s.decodeFailed(w, r, err)
		return
	}

	resp := DecodeResponse{
		RequestID: requestID,
		Records:   allow.Apply(records),
	}

	if query.Get("properties") == "true" {
		_, extractSpan := tracing.TraceExtract(ctx, s.tracer, len(records))
		resp.Properties = properties.Extract(records, s.cfg.Namespace)
		extractSpan.End()
	}

	var exitErr *filter.ExitError
	if errors.As(filter.ErrorExit(records), &exitErr) {
		resp.ErrorExit = &ErrorExit{
			Target:    exitErr.Record.Target,
			Timestamp: exitErr.Record.Timestamp,
			Kind:      exitErr.Kind(),
			Message:   exitErr.Message(),
		}
	}

	s.logger.Debug().
		Str("request_id", requestID).
		Int("records", len(records)).
		Int("returned", len(resp.Records)).
		Bool("error_exit", resp.ErrorExit != nil).
		Msg("Decoded request")

	writeJSON(w, http.StatusOK, resp)
}

// decodeFailed maps a DecodeReader error to its HTTP response
func (s *Server) decodeFailed(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", maxErr.Limit))
		return
	}

	var decodeErr *parser.DecodeError
	if !errors.As(err, &decodeErr) {
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Failed to read request body")
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	s.logger.Info().
		Err(err).
		Str("request_id", RequestID(r.Context())).
		Int("line", decodeErr.Line).
		Msg("Rejected malformed batch")

	writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		RequestID: RequestID(r.Context()),
		Error:     err.Error(),
		Line:      decodeErr.Line,
		Reason:    parser.Reason(err),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	writeJSON(w, code, ErrorResponse{
		RequestID: RequestID(r.Context()),
		Error:     err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// limiter gets or creates the rate limiter for a client
func (s *Server) limiter(client string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.limiters[client]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit*2),
		}
		s.limiters[client] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// cleanupLimiters drops limiters for clients idle longer than limiterIdle
func (s *Server) cleanupLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterIdle)
			s.mu.Lock()
			for client, cl := range s.limiters {
				if cl.lastSeen.Before(cutoff) {
					delete(s.limiters, client)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
