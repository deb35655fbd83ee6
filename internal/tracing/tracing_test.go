package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}

	ctx, span := TraceDecode(context.Background(), p.Tracer(), "cli")
	if ctx == nil {
		t.Error("TraceDecode returned nil context")
	}
	EndDecode(span, 3, nil)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProviderEnabledWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: true, SampleRate: 0.5, ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := TraceRequest(context.Background(), p.Tracer(), "req-1")
	span.End()
}

func TestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")

	_, decoded := TraceDecode(context.Background(), tracer, "http")
	EndDecode(decoded, 2, nil)

	_, failed := TraceDecode(context.Background(), tracer, "http")
	EndDecode(failed, 0, errors.New("line 1: too few fields"))

	_, extract := TraceExtract(context.Background(), tracer, 2)
	extract.End()

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	if spans[0].Name() != "parser.decode_batch" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("failed decode span status = %v, want Error", spans[1].Status().Code)
	}
	if spans[2].Name() != "properties.extract" {
		t.Errorf("span name = %q", spans[2].Name())
	}
}
