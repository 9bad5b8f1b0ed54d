package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/wesleyorama2/putload/internal/performance/metrics"
	"github.com/wesleyorama2/putload/internal/performance/runner"
)

// ReportFormat selects the encoding of a report file.
type ReportFormat string

const (
	ReportJSON ReportFormat = "json"
	ReportHTML ReportFormat = "html"
)

// ReportFormatFor picks the format from a file name. A trailing .gz is
// ignored; anything not ending in .html or .htm is JSON.
func ReportFormatFor(path string) ReportFormat {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz")))
	if ext == ".html" || ext == ".htm" {
		return ReportHTML
	}
	return ReportJSON
}

// WriteJSON writes the result as indented JSON.
func WriteJSON(w io.Writer, result *runner.Result) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteHTML renders the result as a standalone HTML page.
func WriteHTML(w io.Writer, result *runner.Result) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatDuration": formatDuration,
		"formatLatency":  formatDurationShort,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"percent":        func(f float64) string { return fmt.Sprintf("%.2f%%", f*100) },
		"clock":          func(t time.Time) string { return t.Format("15:04:05") },
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, htmlData{Result: result, Errors: sortedErrors(result.Metrics.Errors)}); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	_, err = buf.WriteTo(w)
	return err
}

// WriteReportFile writes the result to path in the format its name implies,
// gzip-compressed when the name ends in .gz.
func WriteReportFile(path string, result *runner.Result) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close report file: %w", cerr)
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw := gzip.NewWriter(f)
		defer func() {
			if cerr := zw.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("failed to compress report: %w", cerr)
			}
		}()
		w = zw
	}

	if ReportFormatFor(path) == ReportHTML {
		return WriteHTML(w, result)
	}
	return WriteJSON(w, result)
}

type errorCount struct {
	Kind  metrics.ErrorKind
	Count int64
}

type htmlData struct {
	*runner.Result
	Errors []errorCount
}

func sortedErrors(m map[metrics.ErrorKind]int64) []errorCount {
	out := make([]errorCount, 0, len(m))
	for k, v := range m {
		out = append(out, errorCount{Kind: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{if .Name}}{{.Name}}{{else}}putload{{end}} - {{.RunID}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 2rem; color: #1f2328; }
h1 { margin-bottom: 0.2rem; }
.pass { color: #1a7f37; } .fail { color: #cf222e; }
table { border-collapse: collapse; margin: 1rem 0 2rem; }
th, td { border: 1px solid #d0d7de; padding: 0.3rem 0.8rem; text-align: left; }
th { background: #f6f8fa; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
</style>
</head>
<body>
<h1>{{if .Name}}{{.Name}}{{else}}putload{{end}} {{if .Passed}}<span class="pass">passed</span>{{else}}<span class="fail">failed</span>{{end}}</h1>
<p>Run {{.RunID}} against <code>{{.Target}}</code>, {{formatDuration .Duration}} from {{.StartTime.Format "2006-01-02 15:04:05"}}</p>

<h2>Summary</h2>
<table>
<tr><th>Users</th><td class="num">{{.SpawnedVUs}} / {{.TargetVUs}}</td></tr>
<tr><th>Payloads</th><td class="num">{{.Payloads}}</td></tr>
<tr><th>Requests</th><td class="num">{{formatNumber .Metrics.TotalRequests}}</td></tr>
<tr><th>Failed</th><td class="num">{{formatNumber .Metrics.FailedRequests}} ({{percent .Metrics.ErrorRate}})</td></tr>
<tr><th>RPS</th><td class="num">{{printf "%.1f" .RPS}} (steady {{printf "%.1f" .SteadyStateRPS}})</td></tr>
<tr><th>Sent</th><td class="num">{{formatBytes .Metrics.BytesSent}}</td></tr>
<tr><th>Received</th><td class="num">{{formatBytes .Metrics.BytesReceived}}</td></tr>
{{if .Stragglers}}<tr><th>Aborted users</th><td class="num fail">{{.Stragglers}}</td></tr>{{end}}
</table>

<h2>Latency</h2>
<table>
<tr><th>Min</th><th>Avg</th><th>P50</th><th>P90</th><th>P95</th><th>P99</th><th>Max</th></tr>
<tr>{{with .Metrics.Latency}}<td class="num">{{formatLatency .Min}}</td><td class="num">{{formatLatency .Mean}}</td><td class="num">{{formatLatency .P50}}</td><td class="num">{{formatLatency .P90}}</td><td class="num">{{formatLatency .P95}}</td><td class="num">{{formatLatency .P99}}</td><td class="num">{{formatLatency .Max}}</td>{{end}}</tr>
</table>

{{if .Metrics.Counters}}<h2>Responses</h2>
<table>
<tr><th>Method</th><th>Path</th><th>Class</th><th>Count</th></tr>
{{range .Metrics.Counters}}<tr><td>{{.Method}}</td><td>{{.Path}}</td><td>{{.Class}}</td><td class="num">{{formatNumber .Count}}</td></tr>
{{end}}</table>{{end}}

{{if .Errors}}<h2>Errors</h2>
<table>
<tr><th>Kind</th><th>Count</th></tr>
{{range .Errors}}<tr><td>{{.Kind}}</td><td class="num">{{formatNumber .Count}}</td></tr>
{{end}}</table>{{end}}

{{if .Thresholds}}<h2>Thresholds</h2>
<table>
<tr><th></th><th>Metric</th><th>Expression</th><th>Actual</th></tr>
{{range .Thresholds}}<tr><td>{{if .Passed}}<span class="pass">&#10003;</span>{{else}}<span class="fail">&#10007;</span>{{end}}</td><td>{{.Metric}}</td><td>{{.Expression}}</td><td>{{.Value}}</td></tr>
{{end}}</table>{{end}}

{{if .TimeSeries}}<h2>Timeline</h2>
<table>
<tr><th>Time</th><th>Phase</th><th>Users</th><th>Requests</th><th>RPS</th><th>Error rate</th><th>P95</th></tr>
{{range .TimeSeries}}<tr><td>{{clock .Timestamp}}</td><td>{{.Phase}}</td><td class="num">{{.ActiveVUs}}</td><td class="num">{{.IntervalRequests}}</td><td class="num">{{printf "%.1f" .IntervalRPS}}</td><td class="num">{{percent .IntervalErrorRate}}</td><td class="num">{{formatLatency .LatencyP95}}</td></tr>
{{end}}</table>{{end}}
</body>
</html>
`
