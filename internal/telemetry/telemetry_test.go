package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
	if GetTraceID(context.Background()) != "" {
		t.Error("expected empty trace id without a span")
	}
}

func TestSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	prev := tracer
	tracer = tp.Tracer("test")
	defer func() { tracer = prev }()

	ctx, span := StartSpan(context.Background(), "manager.Chat")
	if GetTraceID(ctx) == "" {
		t.Error("expected trace id inside span")
	}
	AddRequestAttributes(span, "int-1", "openai", "gpt-4o", "u1")
	AddTokenAttributes(span, 10, 5, true)
	AddErrorAttribute(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", ended[0].Status().Code)
	}

	attrs := map[string]bool{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = true
	}
	for _, key := range []string{"integration.id", "tokens.total", "tokens.estimated", "error.message"} {
		if !attrs[key] {
			t.Errorf("missing attribute %q", key)
		}
	}
}
