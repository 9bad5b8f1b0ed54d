package runner

import (
	"time"

	"github.com/wesleyorama2/putload/internal/performance/metrics"
)

// Result contains the complete outcome of a run.
type Result struct {
	RunID     string        `json:"runId"`
	Name      string        `json:"name,omitempty"`
	Target    string        `json:"target"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	// Load shape
	TargetVUs  int   `json:"targetVUs"`
	SpawnedVUs int   `json:"spawnedVUs"`
	Stragglers int   `json:"stragglers"`
	Payloads   int   `json:"payloads"`
	Attempts   int64 `json:"attempts"`

	Metrics        metrics.AggregateMetrics `json:"metrics"`
	RPS            float64                  `json:"rps"`
	SteadyStateRPS float64                  `json:"steadyStateRps"`

	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases"`
	States     []StateChange         `json:"states"`

	// Threshold evaluation
	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`
}

func (r *Runner) buildResult(start, end time.Time, stragglers int) *Result {
	final := r.metrics.Snapshot()
	elapsed := end.Sub(start)

	rps := 0.0
	if elapsed > 0 {
		rps = float64(final.TotalRequests) / elapsed.Seconds()
	}
	steadyRPS, _ := r.metrics.SteadyStateRPS()

	thresholds := EvaluateThresholds(r.opts.Thresholds, final, rps)
	passed := true
	for _, tr := range thresholds {
		if !tr.Passed {
			passed = false
			break
		}
	}

	return &Result{
		RunID:          r.runID,
		Name:           r.opts.Name,
		Target:         r.opts.Target.URL,
		StartTime:      start,
		EndTime:        end,
		Duration:       elapsed,
		TargetVUs:      r.opts.VUs,
		SpawnedVUs:     r.scheduler.Spawned(),
		Stragglers:     stragglers,
		Payloads:       r.opts.Corpus.Len(),
		Attempts:       r.scheduler.Attempts(),
		Metrics:        final,
		RPS:            rps,
		SteadyStateRPS: steadyRPS,
		TimeSeries:     r.metrics.TimeSeries(),
		Phases:         r.metrics.PhaseHistory(),
		States:         r.StateHistory(),
		Passed:         passed,
		Thresholds:     thresholds,
	}
}
