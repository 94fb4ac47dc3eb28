package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestPublishRequestMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newPublishRequestMetrics(context.Background(), logger)
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveAuth(10 * time.Millisecond)
	metrics.ObservePublish(15 * time.Millisecond)
	metrics.SetExpectedHolderProvided(true)
	metrics.SetIdempotencyKeyProvided(true)
	metrics.SetOutcome("takeover")

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != "observability.event" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if got := entry.Data["event.name"]; got != publishEventName {
		t.Fatalf("unexpected event name: %v", got)
	}
	if got := entry.Data["event.domain"]; got != publishEventDomain {
		t.Fatalf("unexpected event domain: %v", got)
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs["http.route"] != publishRoute {
		t.Fatalf("unexpected route attribute: %#v", attrs["http.route"])
	}
	if attrs["throne.publish.outcome"] != "takeover" {
		t.Fatalf("unexpected outcome attribute: %#v", attrs["throne.publish.outcome"])
	}
	if attrs["throne.publish.expected_holder_provided"] != true {
		t.Fatalf("expected expected_holder_provided to be true")
	}
	if total, ok := attrs["throne.publish.total_ms"].(float64); !ok || total < 50 {
		t.Fatalf("expected total duration attribute, got %#v", attrs["throne.publish.total_ms"])
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity: %v/%v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id to be recorded, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != publishSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", spanAttrs["http.status_code"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}
	event := findEvent(span.Events, "observability.event")
	if event.Name == "" {
		t.Fatalf("expected observability.event span event, got %#v", span.Events)
	}
	eventAttrs := attributesToMap(event.Attributes)
	if eventAttrs["event.name"] != publishEventName || eventAttrs["severity_text"] != "INFO" {
		t.Fatalf("unexpected span event attributes: %#v", eventAttrs)
	}
}

func TestPublishRequestMetricsLogWithErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newPublishRequestMetrics(context.Background(), logger)
	metrics.SetErrorStage("consistency")
	boom := errors.New("outcome unknown")
	metrics.Log(http.StatusInternalServerError, boom)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	if entry := waitForLogEntry(t, hook, time.Second); entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level entry, got %v", entry.Level)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error || span.Status.Description == "" {
		t.Fatalf("expected error status with description, got %+v", span.Status)
	}
	attrs := attributesToMap(findEvent(span.Events, "observability.event").Attributes)
	if attrs["severity_text"] != "ERROR" {
		t.Fatalf("unexpected severity_text for error: %#v", attrs["severity_text"])
	}
	if attrs["throne.publish.error_stage"] != "consistency" {
		t.Fatalf("expected error stage attribute propagated, got %#v", attrs["throne.publish.error_stage"])
	}
	if attrs["error.message"] != boom.Error() {
		t.Fatalf("expected error.message attribute, got %#v", attrs["error.message"])
	}
}

func TestConflictIsLoggedAsWarning(t *testing.T) {
	logger, hook := test.NewNullLogger()
	_, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newPublishRequestMetrics(context.Background(), logger)
	metrics.Log(http.StatusConflict, errors.New("stale"))

	if entry := waitForLogEntry(t, hook, time.Second); entry.Level != log.WarnLevel {
		t.Fatalf("expected warn level, got %v", entry.Level)
	}
	if spans := exporter.GetSpans(); len(spans) != 1 || spans[0].Status.Code != codes.Ok {
		t.Fatalf("client errors must not mark the span failed: %+v", spans)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "warn", status: http.StatusConflict, wantText: "WARN", wantNumber: 13},
		{name: "error", status: http.StatusServiceUnavailable, wantText: "ERROR", wantNumber: 17},
		{name: "errorFromErr", status: 0, err: errors.New("boom"), wantText: "ERROR", wantNumber: 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := severityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func findEvent(events []sdktrace.Event, name string) sdktrace.Event {
	for _, ev := range events {
		if ev.Name == name {
			return ev
		}
	}
	return sdktrace.Event{}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func waitForLogEntry(t *testing.T, hook *test.Hook, timeout time.Duration) *log.Entry {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if entry := hook.LastEntry(); entry != nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log entry within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
