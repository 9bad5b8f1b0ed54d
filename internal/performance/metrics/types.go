package metrics

import (
	"fmt"
	"time"
)

// Phase represents a phase of the load run.
type Phase string

const (
	// PhaseInit is the phase before any virtual user is started
	PhaseInit Phase = "init"

	// PhaseRampUp is the phase when users are being added
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is the phase at target concurrency
	PhaseSteady Phase = "steady"

	// PhaseRampDown is the phase when users are being stopped
	PhaseRampDown Phase = "ramp-down"

	// PhaseDone indicates every user has exited
	PhaseDone Phase = "done"
)

// ErrorKind classifies a request that did not produce a usable response.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindConnectionRefused ErrorKind = "connection_refused"
	ErrorKindConnectionReset   ErrorKind = "connection_reset"
	ErrorKindTransport         ErrorKind = "transport"
	ErrorKindMalformedResponse ErrorKind = "malformed_response"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// StatusClass groups status codes by their first digit. Requests without a
// usable response fall into StatusClassError.
type StatusClass string

const (
	StatusClass1xx   StatusClass = "1xx"
	StatusClass2xx   StatusClass = "2xx"
	StatusClass3xx   StatusClass = "3xx"
	StatusClass4xx   StatusClass = "4xx"
	StatusClass5xx   StatusClass = "5xx"
	StatusClassError StatusClass = "error"
)

// StatusClasses lists every class in report order.
var StatusClasses = []StatusClass{
	StatusClass1xx, StatusClass2xx, StatusClass3xx, StatusClass4xx, StatusClass5xx, StatusClassError,
}

// ClassifyStatus maps an HTTP status code to its class.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 100 && code < 200:
		return StatusClass1xx
	case code >= 200 && code < 300:
		return StatusClass2xx
	case code >= 300 && code < 400:
		return StatusClass3xx
	case code >= 400 && code < 500:
		return StatusClass4xx
	case code >= 500 && code < 600:
		return StatusClass5xx
	default:
		return StatusClassError
	}
}

// Outcome is the result of exactly one request attempt.
type Outcome struct {
	VUID          int
	PayloadIndex  int
	Method        string
	Path          string
	StatusCode    int // 0 when no response was received
	ErrorKind     ErrorKind
	Err           error
	Latency       time.Duration
	Timestamp     time.Time
	BytesSent     int64
	BytesReceived int64
}

// Class returns the status class the outcome is counted under.
func (o Outcome) Class() StatusClass {
	if o.ErrorKind != ErrorKindNone {
		return StatusClassError
	}
	return ClassifyStatus(o.StatusCode)
}

// Success reports whether the request got a 2xx response.
func (o Outcome) Success() bool {
	return o.Class() == StatusClass2xx
}

// Key identifies a counter bucket.
type Key struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Class  StatusClass `json:"statusClass"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s %s", k.Method, k.Path, k.Class)
}

// KeyCount is one row of the keyed counter table.
type KeyCount struct {
	Key
	Count int64 `json:"count"`
}

// AggregateMetrics is a point-in-time view of everything recorded so far.
// It carries no wall-clock fields, so two snapshots taken without an
// intervening Record are equal.
type AggregateMetrics struct {
	TotalRequests   int64 `json:"totalRequests"`
	SuccessRequests int64 `json:"successRequests"`
	FailedRequests  int64 `json:"failedRequests"`
	BytesSent       int64 `json:"bytesSent"`
	BytesReceived   int64 `json:"bytesReceived"`

	// ErrorRate is the fraction of non-2xx outcomes (0.0 to 1.0)
	ErrorRate float64 `json:"errorRate"`

	Latency LatencyStats `json:"latency"`

	// Counters keyed by (method, path, status class), sorted by key
	Counters []KeyCount `json:"counters"`

	ByStatusClass map[StatusClass]int64 `json:"byStatusClass"`
	Errors        map[ErrorKind]int64   `json:"errors"`
}

// Count returns the counter for one (method, path, class) key.
func (m AggregateMetrics) Count(method, path string, class StatusClass) int64 {
	for _, kc := range m.Counters {
		if kc.Method == method && kc.Path == path && kc.Class == class {
			return kc.Count
		}
	}
	return 0
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// TimeBucket holds the metrics of one emitter interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative counters
	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`

	// Interval metrics
	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalFailures  int64   `json:"intervalFailures"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`
	IntervalSeconds   float64 `json:"intervalSeconds"`

	// Cumulative latency percentiles at emission time
	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// Config contains configuration for the aggregator.
type Config struct {
	// Shards is the number of independent recording shards (default: 16)
	Shards int

	// BucketInterval is the interval for time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Shards:           16,
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.BucketInterval <= 0 {
		c.BucketInterval = d.BucketInterval
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = d.MaxBuckets
	}
	if c.HistogramMin <= 0 {
		c.HistogramMin = d.HistogramMin
	}
	if c.HistogramMax <= c.HistogramMin {
		c.HistogramMax = d.HistogramMax
	}
	if c.HistogramSigFigs <= 0 {
		c.HistogramSigFigs = d.HistogramSigFigs
	}
	return c
}
