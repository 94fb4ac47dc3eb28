package main

import (
	"strings"
	"testing"
)

func TestCollectorAggregatesPublishEvents(t *testing.T) {
	c := newCollector(publishEventName, publishEventDomain)

	lines := []string{
		`{"event.name":"throne.publish.request","event.domain":"throne.api","severity_text":"INFO","attributes":{"http.route":"/api/publish","http.status_code":200,"throne.publish.total_ms":40,"throne.publish.auth_ms":5,"throne.publish.publish_ms":30,"throne.publish.outcome":"takeover","throne.publish.expected_holder_provided":true}}`,
		`api-1  | {"event.name":"throne.publish.request","event.domain":"throne.api","severity_text":"WARN","attributes":{"http.route":"/ws","http.status_code":409,"throne.publish.total_ms":60,"throne.publish.outcome":"stale","throne.publish.error_stage":"consistency"}}`,
		`{"event.name":"throne.publish.request","event.domain":"throne.api","severity_text":"WARN","attributes":{"http.status_code":409,"throne.publish.total_ms":2,"throne.publish.duplicate":true}}`,
		`{"event.name":"something.else","event.domain":"throne.api","severity_text":"INFO"}`,
		`not json`,
	}
	for _, line := range lines {
		c.ingest(line)
	}
	s := c.summary()

	if s.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", s.TotalEvents)
	}
	if s.SkippedLines != 1 {
		t.Fatalf("expected 1 skipped line, got %d", s.SkippedLines)
	}
	if s.StatusCounts["200"] != 1 || s.StatusCounts["409"] != 2 {
		t.Fatalf("unexpected status counts %#v", s.StatusCounts)
	}
	if s.RouteCounts["/ws"] != 1 || s.RouteCounts["/api/publish"] != 1 {
		t.Fatalf("unexpected route counts %#v", s.RouteCounts)
	}
	if s.Outcomes["takeover"] != 1 || s.Outcomes["stale"] != 1 {
		t.Fatalf("unexpected outcomes %#v", s.Outcomes)
	}
	if s.Duplicates != 1 || s.ExpectedHolder != 1 {
		t.Fatalf("unexpected flags dup=%d expected=%d", s.Duplicates, s.ExpectedHolder)
	}
	if s.ErrorStages["consistency"] != 1 {
		t.Fatalf("unexpected error stages %#v", s.ErrorStages)
	}
	total := s.DurationMs["total"]
	if total.Count != 3 || total.Min != 2 || total.Max != 60 || total.P95 != 60 {
		t.Fatalf("unexpected total durations %+v", total)
	}
	if s.DurationMs["publish"].Count != 1 {
		t.Fatalf("expected one publish duration, got %+v", s.DurationMs["publish"])
	}
	if line := s.ShortString(); !strings.Contains(line, "stale=1") || !strings.Contains(line, "total=3") {
		t.Fatalf("unexpected short string %q", line)
	}
}

func TestPercentile(t *testing.T) {
	if got := percentile([]float64{5, 1, 3, 2, 4}, 0.5); got != 3 {
		t.Fatalf("median = %v", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty percentile = %v", got)
	}
}
