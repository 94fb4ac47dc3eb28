package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	publishEventName   = "throne.publish.request"
	publishEventDomain = "throne.api"
	publishSpanName    = "api.publish"
	publishRoute       = "/api/publish"
	tracerName         = "throne-api/api"
)

type publishRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration    time.Duration
	publishDuration time.Duration
	route           string
	expectedHolder  bool
	keyProvided     bool
	duplicate       bool
	outcome         string
	errorStage      string
}

// newPublishRequestMetrics starts the request span. The returned context carries it.
func newPublishRequestMetrics(ctx context.Context, logger *log.Logger) (*publishRequestMetrics, context.Context) {
	m := &publishRequestMetrics{logger: logger, start: time.Now(), route: publishRoute}
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, publishSpanName, trace.WithSpanKind(trace.SpanKindServer))
	m.span = span
	return m, spanCtx
}

func (m *publishRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *publishRequestMetrics) ObservePublish(d time.Duration) {
	if d > 0 {
		m.publishDuration = d
	}
}

func (m *publishRequestMetrics) SetRoute(route string) {
	if route != "" {
		m.route = route
	}
}

func (m *publishRequestMetrics) SetExpectedHolderProvided(v bool) { m.expectedHolder = v }
func (m *publishRequestMetrics) SetIdempotencyKeyProvided(v bool) { m.keyProvided = v }
func (m *publishRequestMetrics) SetDuplicate(v bool) { m.duplicate = v }

func (m *publishRequestMetrics) SetOutcome(outcome string) {
	if outcome != "" {
		m.outcome = outcome
	}
}

func (m *publishRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log emits one observability.event entry and ends the span.
func (m *publishRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := map[string]any{
		"http.route":                              m.route,
		"http.status_code":                        status,
		"throne.publish.total_ms":                 durationToMillis(time.Since(m.start)),
		"throne.publish.expected_holder_provided": m.expectedHolder,
		"throne.publish.idempotency_key_provided": m.keyProvided,
		"throne.publish.duplicate":                m.duplicate,
	}
	if m.authDuration > 0 {
		attrs["throne.publish.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.publishDuration > 0 {
		attrs["throne.publish.publish_ms"] = durationToMillis(m.publishDuration)
	}
	if m.outcome != "" {
		attrs["throne.publish.outcome"] = m.outcome
	}
	if m.errorStage != "" {
		attrs["throne.publish.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	severityText, severityNumber := severityForStatus(status, err)
	traceID := ""
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}

	if m.span != nil {
		kvs := toAttributes(attrs)
		m.span.SetAttributes(kvs...)
		event := append([]attribute.KeyValue{
			attribute.String("event.name", publishEventName),
			attribute.String("event.domain", publishEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, kvs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(event...))
		if status >= http.StatusInternalServerError || (status == 0 && err != nil) {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	m.logger.WithFields(log.Fields{
		"event.name":      publishEventName,
		"event.domain":    publishEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"trace_id":        traceID,
		"attributes":      attrs,
	}).Log(levelForSeverity(severityNumber), "observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case status == 0 && err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func levelForSeverity(n int) log.Level {
	switch {
	case n >= 17:
		return log.ErrorLevel
	case n >= 13:
		return log.WarnLevel
	}
	return log.InfoLevel
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
