package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/health"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

const upOutput = "1622000000,,version-installed,2.2.19\n" +
	"1622000001,web,metadata,provider,virtualbox\n" +
	"1622000002,web,action,up,start\n" +
	"1622000003,web,provider-name,virtualbox\n" +
	"1622000004,web,state,running\n" +
	"1622000005,web,state-human-long,The VM is running.\\nTo stop it run halt.\n"

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func newTestServer(cfg Config) (*Server, *metrics.Collector) {
	m := metrics.NewCollector()
	cfg.Metrics = m
	if cfg.DecodePath == "" {
		cfg.DecodePath = "/decode"
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	return New(cfg), m
}

func post(t *testing.T, h http.Handler, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return v
}

func TestDecodeVerbose(t *testing.T) {
	s, m := newTestServer(Config{Verbose: true, Namespace: "vagrant"})

	rec := post(t, s.DecodeHandler(), "/decode", upOutput, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	resp := decodeBody[DecodeResponse](t, rec)
	if len(resp.Records) != 6 {
		t.Fatalf("records = %d, want 6", len(resp.Records))
	}
	if resp.RequestID == "" {
		t.Error("missing request_id")
	}
	if got := resp.Records[5].Data[0]; got != "The VM is running.\nTo stop it run halt." {
		t.Errorf("unescaped data = %q", got)
	}
	if resp.Properties != nil {
		t.Error("properties returned without being requested")
	}
	if resp.ErrorExit != nil {
		t.Error("unexpected error_exit")
	}

	if v := counterValue(t, m.HTTPRequests.WithLabelValues("200")); v != 1 {
		t.Errorf("http 200 count = %f", v)
	}
	if v := counterValue(t, m.RecordsDecoded.WithLabelValues("http", "state")); v != 1 {
		t.Errorf("state records = %f", v)
	}
}

func TestDecodeImportantAndProperties(t *testing.T) {
	s, _ := newTestServer(Config{Verbose: true, Namespace: "vagrant"})

	rec := post(t, s.DecodeHandler(), "/decode?important=true&properties=true", upOutput, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decodeBody[DecodeResponse](t, rec)
	if len(resp.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(resp.Records))
	}
	if resp.Records[0].Type != types.Action || resp.Records[1].Type != types.StateHumanLong {
		t.Errorf("unexpected records: %+v", resp.Records)
	}

	want := map[string]string{
		"vagrant.version":      "2.2.19",
		"vagrant.web.provider": "virtualbox",
		"vagrant.web.state":    "running",
	}
	for k, v := range want {
		if resp.Properties[k] != v {
			t.Errorf("properties[%q] = %q, want %q", k, resp.Properties[k], v)
		}
	}
}

func TestDecodeQuietByDefault(t *testing.T) {
	s, _ := newTestServer(Config{})

	resp := decodeBody[DecodeResponse](t, post(t, s.DecodeHandler(), "/decode", upOutput, nil))
	if len(resp.Records) != 2 {
		t.Errorf("records = %d, want 2 in quiet mode", len(resp.Records))
	}

	resp = decodeBody[DecodeResponse](t, post(t, s.DecodeHandler(), "/decode?types=metadata,state", upOutput, nil))
	if len(resp.Records) != 2 || resp.Records[0].Type != types.Metadata {
		t.Errorf("types filter returned %+v", resp.Records)
	}
}

func TestDecodeConflictingSelection(t *testing.T) {
	s, m := newTestServer(Config{Types: []string{"state"}})

	resp := decodeBody[DecodeResponse](t, post(t, s.DecodeHandler(), "/decode?important=true", upOutput, nil))
	if len(resp.Records) != 2 || resp.Records[0].Type != types.Action {
		t.Errorf("important=true should replace configured types, got %+v", resp.Records)
	}

	rec := post(t, s.DecodeHandler(), "/decode?important=true&types=state", upOutput, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody[ErrorResponse](t, rec); !strings.Contains(body.Error, "cannot be combined") {
		t.Errorf("error = %q", body.Error)
	}
	if v := counterValue(t, m.HTTPRequests.WithLabelValues("400")); v != 1 {
		t.Errorf("http 400 count = %f", v)
	}
}

func TestDecodeMalformed(t *testing.T) {
	s, m := newTestServer(Config{Verbose: true})

	body := "1622000000,web,state,running\n1622000001,web\n1622000002,web,state,saved\n"
	rec := post(t, s.DecodeHandler(), "/decode", body, http.Header{"X-Request-Id": {"req-42"}})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	resp := decodeBody[ErrorResponse](t, rec)
	if resp.Line != 2 {
		t.Errorf("line = %d, want 2", resp.Line)
	}
	if resp.Reason != "too_few_fields" {
		t.Errorf("reason = %q", resp.Reason)
	}
	if resp.RequestID != "req-42" {
		t.Errorf("request_id = %q, want req-42", resp.RequestID)
	}

	if v := counterValue(t, m.DecodeFailures.WithLabelValues("http", "too_few_fields")); v != 1 {
		t.Errorf("decode failures = %f", v)
	}
	if v := counterValue(t, m.HTTPRequests.WithLabelValues("422")); v != 1 {
		t.Errorf("http 422 count = %f", v)
	}
}

func TestDecodeErrorExit(t *testing.T) {
	s, _ := newTestServer(Config{Verbose: true})

	body := "1622000000,,ui,error,boom\n1622000001,,error-exit,Vagrant::Errors::VMNotFound,VM not found\\, run up\n"
	rec := post(t, s.DecodeHandler(), "/decode", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decodeBody[DecodeResponse](t, rec)
	if resp.ErrorExit == nil {
		t.Fatal("missing error_exit")
	}
	if resp.ErrorExit.Kind != "Vagrant::Errors::VMNotFound" {
		t.Errorf("kind = %q", resp.ErrorExit.Kind)
	}
	if resp.ErrorExit.Message != "Vagrant::Errors::VMNotFound, VM not found, run up" {
		t.Errorf("message = %q", resp.ErrorExit.Message)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	s, _ := newTestServer(Config{Verbose: true})

	rec := post(t, s.DecodeHandler(), "/decode", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"records":[]`) {
		t.Errorf("body = %s, want empty records array", rec.Body.String())
	}
}

func TestDecodeBodyTooLarge(t *testing.T) {
	s, _ := newTestServer(Config{Verbose: true, MaxBodySize: 16})

	rec := post(t, s.DecodeHandler(), "/decode", upOutput, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestDecodeMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(Config{})

	rec := httptest.NewRecorder()
	s.DecodeHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decode", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(Config{APIKeys: []string{"secret"}})

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", http.Header{"X-Api-Key": {"nope"}}, http.StatusUnauthorized},
		{"api key header", http.Header{"X-Api-Key": {"secret"}}, http.StatusOK},
		{"bearer token", http.Header{"Authorization": {"Bearer secret"}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, s.DecodeHandler(), "/decode", upOutput, tt.header)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	s, m := newTestServer(Config{RateLimit: 1})

	// burst is twice the rate
	for i := 0; i < 2; i++ {
		if rec := post(t, s.DecodeHandler(), "/decode", upOutput, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := post(t, s.DecodeHandler(), "/decode", upOutput, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if v := counterValue(t, m.HTTPRateLimited); v != 1 {
		t.Errorf("rate limited count = %f", v)
	}
}

func TestRoutesShareAddress(t *testing.T) {
	checker := health.NewChecker(0)
	checker.Register("decoder", health.AlwaysHealthy())

	s, _ := newTestServer(Config{
		Address:        "127.0.0.1:0",
		MetricsAddress: "127.0.0.1:0",
		HealthAddress:  "127.0.0.1:0",
		HealthChecker:  checker,
	})
	if len(s.servers) != 1 {
		t.Fatalf("servers = %d, want 1 shared listener", len(s.servers))
	}

	h := s.servers[0].Handler
	for _, path := range []string{"/metrics", "/health", "/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}
}

func TestProfilingRoute(t *testing.T) {
	s, _ := newTestServer(Config{ProfilingAddress: "127.0.0.1:0"})

	rec := httptest.NewRecorder()
	s.servers[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Goroutines") {
		t.Errorf("GET /debug/stats status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(Config{Address: "127.0.0.1:0"})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestClientHost(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:5000": "10.0.0.1",
		"[::1]:80":      "::1",
		"unix":          "unix",
	}
	for in, want := range tests {
		if got := clientHost(in); got != want {
			t.Errorf("clientHost(%q) = %q, want %q", in, got, want)
		}
	}
}
