package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), "throne-api", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("expected global provider to be left alone")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupRegistersProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := Setup(context.Background(), "throne-api", "http://127.0.0.1:4318/v1/traces")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if otel.GetTracerProvider() == before {
		t.Fatal("expected a tracer provider to be registered")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nothing was recorded, so shutdown has nothing to flush.
	_ = shutdown(ctx)
}
