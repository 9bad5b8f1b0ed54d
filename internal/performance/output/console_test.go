package output

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/putload/internal/performance/metrics"
	"github.com/wesleyorama2/putload/internal/performance/runner"
)

func sampleResult() *runner.Result {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &runner.Result{
		RunID:      "2f1c7a9e-0000-4000-8000-000000000001",
		Name:       "insert-smoke",
		Target:     "http://localhost:8080/snowpipe/insert",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Second),
		Duration:   30 * time.Second,
		TargetVUs:  10,
		SpawnedVUs: 10,
		Payloads:   3,
		Attempts:   1250,
		Metrics: metrics.AggregateMetrics{
			TotalRequests:   1250,
			SuccessRequests: 1200,
			FailedRequests:  50,
			BytesSent:       2 * 1024 * 1024,
			ErrorRate:       0.04,
			Latency: metrics.LatencyStats{
				Min:   2 * time.Millisecond,
				Max:   310 * time.Millisecond,
				Mean:  24 * time.Millisecond,
				P50:   18 * time.Millisecond,
				P90:   40 * time.Millisecond,
				P95:   61 * time.Millisecond,
				P99:   150 * time.Millisecond,
				Count: 1250,
			},
			Counters: []metrics.KeyCount{
				{Key: metrics.Key{Method: "PUT", Path: "/snowpipe/insert", Class: metrics.StatusClass2xx}, Count: 1200},
				{Key: metrics.Key{Method: "PUT", Path: "/snowpipe/insert", Class: metrics.StatusClassError}, Count: 50},
			},
			ByStatusClass: map[metrics.StatusClass]int64{
				metrics.StatusClass2xx:   1200,
				metrics.StatusClassError: 50,
			},
			Errors: map[metrics.ErrorKind]int64{
				metrics.ErrorKindTimeout:           20,
				metrics.ErrorKindConnectionRefused: 30,
			},
		},
		RPS:            41.7,
		SteadyStateRPS: 44.2,
		TimeSeries: []*metrics.TimeBucket{
			{Timestamp: start.Add(time.Second), TotalRequests: 40, IntervalRequests: 40, IntervalRPS: 40, ActiveVUs: 10, Phase: metrics.PhaseSteady},
		},
		Passed: true,
		Thresholds: []runner.ThresholdResult{
			{Metric: "http_req_duration", Expression: "p95 < 100ms", Passed: true, Value: "61ms"},
		},
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDurationShort(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDurationShort(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatNumber(tt.number)
			if result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatBytes(tt.bytes); got != tt.expected {
				t.Errorf("formatBytes(%d) = %q, want %q", tt.bytes, got, tt.expected)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "plain"},
		{"\033[32mgreen\033[0m", "green"},
		{"\033[1m\033[31mbold red\033[0m!", "bold red!"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := stripANSI(tt.input); got != tt.expected {
				t.Errorf("stripANSI(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLiveStatsProgress(t *testing.T) {
	s := &LiveStats{Elapsed: 15 * time.Second, Total: 30 * time.Second}
	if got := s.Progress(); got != 0.5 {
		t.Errorf("Progress() = %v, want 0.5", got)
	}

	s.Elapsed = time.Minute
	if got := s.Progress(); got != 1 {
		t.Errorf("Progress() past the end = %v, want 1", got)
	}

	s.Total = 0
	if got := s.Progress(); got != -1 {
		t.Errorf("Progress() without duration = %v, want -1", got)
	}
}

func TestConsoleNonTTYUpdate(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	if c.IsTTY() {
		t.Fatal("a buffer must not be treated as a terminal")
	}

	c.Update(&LiveStats{
		Elapsed:       5 * time.Second,
		Total:         10 * time.Second,
		ActiveVUs:     4,
		TargetVUs:     8,
		TotalRequests: 120,
		Errors:        3,
		ErrorRate:     0.025,
		CurrentRPS:    24,
		LatencyP95:    40 * time.Millisecond,
		Phase:         "ramp-up",
	})

	out := buf.String()
	for _, want := range []string{"[5.0s]", "50%", "ramp-up", "VUs: 4/8", "Reqs: 120", "RPS: 24.0", "Errors: 3 (2.5%)", "P95: 40ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("status line %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("non-TTY output contains escape codes: %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", out)
	}
}

func TestConsoleTTYRedraw(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceTTY: true, NoColor: true})

	stats := &LiveStats{Elapsed: time.Second, Total: 4 * time.Second, TargetVUs: 2, Phase: "steady"}
	c.Update(stats)
	first := buf.String()
	if !strings.Contains(first, "Progress: [") || !strings.Contains(first, "25%") {
		t.Errorf("expected progress bar, got:\n%s", first)
	}
	if strings.Contains(first, "\033[") {
		t.Error("first frame should not move the cursor")
	}

	buf.Reset()
	c.Update(stats)
	if !strings.HasPrefix(buf.String(), "\033[") {
		t.Error("second frame should start by moving the cursor up")
	}

	// box rows line up
	for _, line := range strings.Split(buf.String(), "\n") {
		line = stripANSI(line)
		if strings.HasPrefix(line, boxVertical) && visibleWidth(line) != 55 {
			t.Errorf("box row width = %d, want 55: %q", visibleWidth(line), line)
		}
	}
}

func TestConsoleIterationBoundProgress(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceTTY: true, NoColor: true})

	c.Update(&LiveStats{Elapsed: 2 * time.Second, Phase: "steady"})
	if !strings.Contains(buf.String(), "Elapsed:  2.0s") {
		t.Errorf("expected elapsed line, got:\n%s", buf.String())
	}
}

func TestConsoleQuiet(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true})

	c.PrintHeader("http://localhost:8080/snowpipe/insert", 10, time.Minute, 0)
	c.Update(&LiveStats{})
	if buf.Len() != 0 {
		t.Errorf("quiet console wrote %q", buf.String())
	}

	result := sampleResult()
	c.PrintSummary(result)
	if got := strings.TrimSpace(buf.String()); got != "PASSED" {
		t.Errorf("quiet summary = %q, want PASSED", got)
	}

	buf.Reset()
	result.Passed = false
	c.PrintSummary(result)
	if got := strings.TrimSpace(buf.String()); got != "FAILED" {
		t.Errorf("quiet summary = %q, want FAILED", got)
	}
}

func TestConsoleHeader(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Name: "smoke", Writer: &buf})

	c.PrintHeader("http://localhost:8080/snowpipe/insert", 5, 0, 2)
	out := buf.String()
	if !strings.Contains(out, "smoke - Running") {
		t.Errorf("header missing name: %s", out)
	}
	if !strings.Contains(out, "5 for 2 iteration(s)") {
		t.Errorf("header missing iteration bound: %s", out)
	}
}

func TestConsoleSummary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Name: "insert-smoke", Writer: &buf})

	c.PrintSummary(sampleResult())
	out := buf.String()

	for _, want := range []string{
		"insert-smoke - Completed",
		"Total Reqs:    1,250",
		"Success Rate:  96.0%",
		"P95:       61ms",
		"PUT    /snowpipe/insert",
		"2xx",
		"connection_refused",
		"timeout",
		"p95 < 100ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	if strings.Index(out, "connection_refused") > strings.Index(out, "timeout") {
		t.Error("error kinds should be sorted")
	}
}

func TestConsoleSummaryStragglers(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	result := sampleResult()
	result.Stragglers = 2
	result.Passed = false
	c.PrintSummary(result)

	if !strings.Contains(buf.String(), "2 user(s) did not stop in time") {
		t.Errorf("summary missing stragglers:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "Failed") {
		t.Errorf("summary missing failed status:\n%s", buf.String())
	}
}

func TestConsoleWatch(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	calls := 0
	err := c.Watch(ctx, 10*time.Millisecond, func() *LiveStats {
		calls++
		return &LiveStats{Phase: "steady"}
	})
	if err != nil {
		t.Fatalf("Watch returned %v", err)
	}
	if calls == 0 {
		t.Error("source was never called")
	}
	if got := strings.Count(buf.String(), "\n"); got != calls {
		t.Errorf("wrote %d lines for %d updates", got, calls)
	}
}

func TestStatsFromMetrics(t *testing.T) {
	agg := metrics.NewAggregator()
	agg.SetActiveVUs(3)
	agg.SetPhase(metrics.PhaseSteady)
	for i := 0; i < 4; i++ {
		o := metrics.Outcome{Method: "PUT", Path: "/snowpipe/insert", StatusCode: 200, Latency: time.Millisecond}
		if i == 0 {
			o.StatusCode = 0
			o.ErrorKind = metrics.ErrorKindTimeout
		}
		agg.Record(o)
	}

	stats := StatsFromMetrics(agg, time.Second, 10*time.Second, 5)
	if stats.TotalRequests != 4 || stats.Errors != 1 {
		t.Errorf("requests/errors = %d/%d, want 4/1", stats.TotalRequests, stats.Errors)
	}
	if stats.ErrorRate != 0.25 {
		t.Errorf("ErrorRate = %v, want 0.25", stats.ErrorRate)
	}
	if stats.ActiveVUs != 3 || stats.TargetVUs != 5 {
		t.Errorf("VUs = %d/%d, want 3/5", stats.ActiveVUs, stats.TargetVUs)
	}
	if stats.Phase != "steady" {
		t.Errorf("Phase = %q, want steady", stats.Phase)
	}
}
