// Package output renders live progress and final summaries of a run.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/wesleyorama2/putload/internal/performance/metrics"
	"github.com/wesleyorama2/putload/internal/performance/runner"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA" // Move cursor up N lines
	clearLine = "\033[2K"  // Clear entire line

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Elapsed time.Duration
	Total   time.Duration // 0 for iteration-bound runs

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64 // Requests per second over the last interval
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // 0.0 to 1.0

	LatencyP50 time.Duration
	LatencyP95 time.Duration

	Phase string
}

// Progress returns elapsed over total clamped to [0, 1], or -1 when the run
// has no fixed duration.
func (s *LiveStats) Progress() float64 {
	if s.Total <= 0 {
		return -1
	}
	p := float64(s.Elapsed) / float64(s.Total)
	if p > 1 {
		return 1
	}
	return p
}

// palette holds the colors used by the console.
type palette struct {
	title   *color.Color
	accent  *color.Color
	good    *color.Color
	warn    *color.Color
	bad     *color.Color
	latency *color.Color
	phase   *color.Color
	dim     *color.Color
}

func newPalette(enabled bool) *palette {
	p := &palette{
		title:   color.New(color.Bold),
		accent:  color.New(color.FgCyan),
		good:    color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		bad:     color.New(color.FgRed),
		latency: color.New(color.FgBlue),
		phase:   color.New(color.FgMagenta),
		dim:     color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.title, p.accent, p.good, p.warn, p.bad, p.latency, p.phase, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// rateColor picks green, yellow or red for an error rate.
func (p *palette) rateColor(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return p.bad
	case errorRate > 0.01:
		return p.warn
	default:
		return p.good
	}
}

// Console manages live console output during a run.
type Console struct {
	name   string
	writer io.Writer
	isTTY  bool
	quiet  bool
	colors *palette

	mu          sync.Mutex
	linesOutput int // Number of lines in the live display
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Name     string
	Writer   io.Writer
	Quiet    bool
	NoColor  bool
	ForceTTY bool
}

// NewConsole creates a console writer. Colors and the redrawn progress box
// are used only when the writer is a terminal.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.Name == "" {
		config.Name = "putload"
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := !config.NoColor && isTTY && supportsColors()

	return &Console{
		name:   config.Name,
		writer: config.Writer,
		isTTY:  isTTY,
		quiet:  config.Quiet,
		colors: newPalette(useColors),
	}
}

// isTerminal checks if the writer is a terminal.
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return checkIsTerminal(f)
	}
	return false
}

// supportsColors checks if the terminal supports colors.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if runtime.GOOS == "windows" {
		return true
	}

	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run header.
func (c *Console) PrintHeader(target string, vus int, duration time.Duration, iterations int) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	bound := formatDuration(duration)
	if iterations > 0 {
		bound = fmt.Sprintf("%d iteration(s)", iterations)
		if duration > 0 {
			bound += " or " + formatDuration(duration)
		}
	}

	c.writeln(c.colors.accent.Sprint(line))
	c.writeln(c.colors.title.Sprintf("%s - Running", c.name))
	c.writeln(c.colors.accent.Sprint(line))
	c.writeln(fmt.Sprintf("Target:   %s", target))
	c.writeln(fmt.Sprintf("VUs:      %d for %s", vus, bound))
	c.writeln("")
}

// Update refreshes the live display. On a terminal the previous box is
// redrawn in place; otherwise one status line is printed.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet || stats == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTTY {
		c.writeln(c.statusLine(stats))
		return
	}

	c.clearLive()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// Watch calls source every interval and displays the result until ctx is
// done.
func (c *Console) Watch(ctx context.Context, interval time.Duration, source func() *LiveStats) error {
	if c.quiet {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Update(source())
		}
	}
}

func (c *Console) statusLine(stats *LiveStats) string {
	progress := ""
	if p := stats.Progress(); p >= 0 {
		progress = fmt.Sprintf(" %.0f%% |", p*100)
	}
	return fmt.Sprintf("[%s]%s %s | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		progress,
		stats.Phase,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95))
}

// renderLiveStats renders the live statistics box.
func (c *Console) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	if p := stats.Progress(); p >= 0 {
		lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
			c.colors.good.Sprint(renderProgressBar(p, 40)),
			c.colors.title.Sprintf("%.0f%%", p*100),
			c.colors.dim.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Total))))
	} else {
		lines = append(lines, fmt.Sprintf("Elapsed:  %s", c.colors.dim.Sprint(formatDuration(stats.Elapsed))))
	}
	lines = append(lines, fmt.Sprintf("Phase:    %s", c.colors.phase.Sprint(stats.Phase)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colors.accent.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", c.colors.accent.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := c.colors.rateColor(stats.ErrorRate)
	rpsStr := fmt.Sprintf("RPS:     %s", c.colors.good.Sprintf("%.1f", stats.CurrentRPS))
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p50Str := fmt.Sprintf("P50:     %s", c.colors.latency.Sprint(formatDurationShort(stats.LatencyP50)))
	p95Str := fmt.Sprintf("P95:         %s", c.colors.latency.Sprint(formatDurationShort(stats.LatencyP95)))
	lines = append(lines, c.formatBoxRow(p50Str, p95Str, boxWidth))

	lines = append(lines, c.colors.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string, boxWidth int) string {
	leftWidth := (boxWidth - 5) / 2 // 3 borders + 2 padding
	rightWidth := boxWidth - 5 - leftWidth

	leftPadding := max(leftWidth-visibleWidth(left), 0)
	rightPadding := max(rightWidth-visibleWidth(right), 0)

	border := c.colors.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s%s",
		border,
		left, strings.Repeat(" ", leftPadding),
		border,
		right, strings.Repeat(" ", rightPadding),
		border)
}

// clearLive erases the live box. Callers hold c.mu.
func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// PrintSummary prints the final run summary.
func (c *Console) PrintSummary(result *runner.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.good.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.bad.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	m := result.Metrics
	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.good.Sprint("Completed ✓")
	if !result.Passed {
		status = c.colors.bad.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(c.colors.accent.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.title.Sprint(c.name), status))
	c.writeln(c.colors.accent.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Run ID:        %s", result.RunID))
	c.writeln(fmt.Sprintf("Target:        %s", result.Target))
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.accent.Sprint(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("VUs:           %d of %d started", result.SpawnedVUs, result.TargetVUs))
	c.writeln(fmt.Sprintf("Payloads:      %d", result.Payloads))
	c.writeln(fmt.Sprintf("Total Reqs:    %s", c.colors.accent.Sprint(formatNumber(m.TotalRequests))))

	successRate := 1.0 - m.ErrorRate
	if m.TotalRequests == 0 {
		successRate = 0
	}
	c.writeln(fmt.Sprintf("Success Rate:  %s", c.colors.rateColor(m.ErrorRate).Sprintf("%.1f%%", successRate*100)))
	c.writeln(fmt.Sprintf("RPS:           %.1f (steady %.1f)", result.RPS, result.SteadyStateRPS))
	c.writeln(fmt.Sprintf("Data:          %s sent, %s received", formatBytes(m.BytesSent), formatBytes(m.BytesReceived)))
	if result.Stragglers > 0 {
		c.writeln(c.colors.warn.Sprintf("Aborted:       %d user(s) did not stop in time", result.Stragglers))
	}
	c.writeln("")

	if m.Latency.Count > 0 {
		c.writeln(c.colors.title.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
		c.writeln(fmt.Sprintf("  Avg:       %s", formatDurationShort(m.Latency.Mean)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
		c.writeln("")
	}

	if len(m.Counters) > 0 {
		c.writeln(c.colors.title.Sprint("Responses:"))
		for _, kc := range m.Counters {
			count := formatNumber(kc.Count)
			switch kc.Class {
			case metrics.StatusClass2xx:
				count = c.colors.good.Sprint(count)
			case metrics.StatusClassError, metrics.StatusClass5xx:
				count = c.colors.bad.Sprint(count)
			default:
				count = c.colors.warn.Sprint(count)
			}
			c.writeln(fmt.Sprintf("  %-6s %-28s %-6s %s", kc.Method, kc.Path, kc.Class, count))
		}
		c.writeln("")
	}

	if len(m.Errors) > 0 {
		c.writeln(c.colors.title.Sprint("Errors:"))
		for _, e := range sortedErrors(m.Errors) {
			c.writeln(fmt.Sprintf("  %-20s %s", e.Kind, c.colors.bad.Sprint(formatNumber(e.Count))))
		}
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colors.title.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := c.colors.good.Sprint("✓")
			if !t.Passed {
				mark = c.colors.bad.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
		}
		c.writeln("")
	}
}

// write writes to the output without a newline.
func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// StatsFromMetrics builds LiveStats from live aggregator state. Counters are
// read without merging shards; rate and latency come from the latest bucket.
func StatsFromMetrics(agg *metrics.Aggregator, elapsed, total time.Duration, targetVUs int) *LiveStats {
	stats := &LiveStats{
		Elapsed:       elapsed,
		Total:         total,
		ActiveVUs:     agg.ActiveVUs(),
		TargetVUs:     targetVUs,
		TotalRequests: agg.TotalRequests(),
		Errors:        agg.FailedRequests(),
		Phase:         string(agg.Phase()),
	}
	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.Errors) / float64(stats.TotalRequests)
	}
	if b := agg.LatestBucket(); b != nil {
		stats.CurrentRPS = b.IntervalRPS
		stats.LatencyP50 = b.LatencyP50
		stats.LatencyP95 = b.LatencyP95
	}
	return stats
}

func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency value.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 || len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// formatBytes formats a byte count in human-readable form.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// visibleWidth counts the runes of s that are not part of an ANSI sequence.
func visibleWidth(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
