package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewChecker(t *testing.T) {
	c := NewChecker(5 * time.Second)
	if c.timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", c.timeout)
	}

	c2 := NewChecker(0)
	if c2.timeout != 5*time.Second {
		t.Errorf("Expected default timeout 5s, got %v", c2.timeout)
	}
}

func TestCheck(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("decoder", AlwaysHealthy())
	c.Register("follower", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusDegraded,
			Message: "one file not yet created",
		}
	})

	results := c.Check(context.Background())
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results["decoder"].Status != StatusHealthy {
		t.Errorf("decoder status = %s", results["decoder"].Status)
	}
	if results["follower"].Status != StatusDegraded {
		t.Errorf("follower status = %s", results["follower"].Status)
	}
	if results["decoder"].LastChecked.IsZero() {
		t.Error("LastChecked should be set")
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)

	c.Register("slow", func(ctx context.Context) ComponentHealth {
		time.Sleep(500 * time.Millisecond)
		return ComponentHealth{Status: StatusHealthy}
	})

	start := time.Now()
	results := c.Check(context.Background())
	if time.Since(start) > 400*time.Millisecond {
		t.Error("Check did not honour the timeout")
	}
	if results["slow"].Status != StatusUnhealthy {
		t.Errorf("slow status = %s, want unhealthy", results["slow"].Status)
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no components", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second)
			for i, s := range tt.statuses {
				status := s
				c.Register(string(rune('a'+i)), func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: status}
				})
			}
			if got := c.OverallStatus(context.Background()); got != tt.want {
				t.Errorf("OverallStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrCheck(t *testing.T) {
	var failure error
	check := ErrCheck(func() error { return failure })

	if got := check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", got.Status)
	}

	failure = errors.New("up.log: line 3: invalid timestamp")
	got := check(context.Background())
	if got.Status != StatusUnhealthy || got.Message != failure.Error() {
		t.Errorf("got %+v", got)
	}
}

func TestHTTPHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("decoder", AlwaysHealthy())

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != StatusHealthy || len(resp.Components) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestReadinessHandlerUnhealthy(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("follower", ErrCheck(func() error { return errors.New("stopped") }))

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("follower", ErrCheck(func() error { return errors.New("stopped") }))

	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("status = %q", body["status"])
	}
}
