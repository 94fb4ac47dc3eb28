package main

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	publishEventName   = "throne.publish.request"
	publishEventDomain = "throne.api"

	attrRoute          = "http.route"
	attrStatusCode     = "http.status_code"
	attrTotalMillis    = "throne.publish.total_ms"
	attrAuthMillis     = "throne.publish.auth_ms"
	attrPublishMillis  = "throne.publish.publish_ms"
	attrOutcome        = "throne.publish.outcome"
	attrDuplicate      = "throne.publish.duplicate"
	attrExpectedHolder = "throne.publish.expected_holder_provided"
	attrErrorStage     = "throne.publish.error_stage"
)

var durationAttrs = map[string]string{
	attrTotalMillis:   "total",
	attrAuthMillis:    "auth",
	attrPublishMillis: "publish",
}

type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type stats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (s *stats) add(v float64) {
	if s.Count == 0 || v < s.Min {
		s.Min = v
	}
	if v > s.Max {
		s.Max = v
	}
	s.Count++
	s.Sum += v
}

type durationSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P95   float64 `json:"p95_ms"`
}

type summaryOutput struct {
	EventName      string                     `json:"event_name"`
	EventDomain    string                     `json:"event_domain"`
	TotalEvents    int                        `json:"total_events"`
	SeverityCounts map[string]int             `json:"severity_counts"`
	StatusCounts   map[string]int             `json:"status_counts"`
	RouteCounts    map[string]int             `json:"route_counts,omitempty"`
	Outcomes       map[string]int             `json:"outcomes,omitempty"`
	DurationMs     map[string]durationSummary `json:"duration_ms"`
	Duplicates     int                        `json:"duplicates"`
	ExpectedHolder int                        `json:"expected_holder_provided"`
	ErrorStages    map[string]int             `json:"error_stages,omitempty"`
	SkippedLines   int                        `json:"skipped_lines"`
}

// collector aggregates publish observability events from JSON log lines.
type collector struct {
	eventName   string
	eventDomain string

	count     int
	skipped   int
	severity  map[string]int
	status    map[int]int
	routes    map[string]int
	outcomes  map[string]int
	stages    map[string]int
	durations map[string]*stats
	samples   map[string][]float64
	dups      int
	expected  int
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severity:    map[string]int{},
		status:      map[int]int{},
		routes:      map[string]int{},
		outcomes:    map[string]int{},
		stages:      map[string]int{},
		durations:   map[string]*stats{},
		samples:     map[string][]float64{},
	}
}

// ingest accepts one log line. Container log prefixes ending in "|" are stripped.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	var rec logRecord
	dec := sonic.ConfigStd.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName || (c.eventDomain != "" && rec.EventDomain != c.eventDomain) {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.count++
	sev := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if sev == "" {
		sev = "UNSPECIFIED"
	}
	c.severity[sev]++

	a := rec.Attributes
	if a == nil {
		return
	}
	if v, ok := asFloat(a[attrStatusCode]); ok {
		c.status[int(v)]++
	}
	if s, ok := a[attrRoute].(string); ok && s != "" {
		c.routes[s]++
	}
	if s, ok := a[attrOutcome].(string); ok && s != "" {
		c.outcomes[s]++
	}
	if s, ok := a[attrErrorStage].(string); ok && s != "" {
		c.stages[s]++
	}
	if b, ok := a[attrDuplicate].(bool); ok && b {
		c.dups++
	}
	if b, ok := a[attrExpectedHolder].(bool); ok && b {
		c.expected++
	}
	for attr, key := range durationAttrs {
		v, ok := asFloat(a[attr])
		if !ok {
			continue
		}
		st := c.durations[key]
		if st == nil {
			st = &stats{}
			c.durations[key] = st
		}
		st.add(v)
		c.samples[key] = append(c.samples[key], v)
	}
}

func (c *collector) summary() summaryOutput {
	out := summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.count,
		SeverityCounts: c.severity,
		StatusCounts:   make(map[string]int, len(c.status)),
		RouteCounts:    compact(c.routes),
		Outcomes:       compact(c.outcomes),
		DurationMs:     make(map[string]durationSummary, len(c.durations)),
		Duplicates:     c.dups,
		ExpectedHolder: c.expected,
		ErrorStages:    compact(c.stages),
		SkippedLines:   c.skipped,
	}
	for code, n := range c.status {
		out.StatusCounts[strconv.Itoa(code)] = n
	}
	for key, st := range c.durations {
		out.DurationMs[key] = durationSummary{
			Count: st.Count,
			Min:   st.Min,
			Max:   st.Max,
			Avg:   st.Sum / float64(st.Count),
			P95:   percentile(c.samples[key], 0.95),
		}
	}
	return out
}

func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func compact(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	return in
}

// ShortString renders a single line suitable for CI output.
func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	return strings.Join([]string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"warn=" + strconv.Itoa(s.SeverityCounts["WARN"]),
		"error=" + strconv.Itoa(s.SeverityCounts["ERROR"]),
		"stale=" + strconv.Itoa(s.Outcomes["stale"]),
		"avg_total_ms=" + strconv.FormatFloat(total.Avg, 'f', 2, 64),
		"p95_total_ms=" + strconv.FormatFloat(total.P95, 'f', 2, 64),
	}, " ")
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
