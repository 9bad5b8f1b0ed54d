// Package config provides configuration parsing and validation for load runs.
package config

import (
	"time"
)

// RunConfig is the root configuration for a load run.
//
// Example YAML:
//
//	name: "snowpipe insert"
//	target:
//	  host: "http://localhost:8080"
//	  path: "/snowpipe/insert"
//	payload:
//	  fixture: "fixtures/rows.jsonl"
//	  policy: sequential
//	scenario:
//	  vus: 50
//	  rampUpRate: 10
//	  duration: 2m
//	thresholds:
//	  http_req_duration: ["p95 < 500ms"]
type RunConfig struct {
	// Name of the run (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Target   TargetConfig   `json:"target" yaml:"target"`
	Payload  PayloadConfig  `json:"payload" yaml:"payload"`
	Scenario ScenarioConfig `json:"scenario" yaml:"scenario"`
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
	Output   OutputConfig   `json:"output,omitempty" yaml:"output,omitempty"`

	// Thresholds define pass/fail criteria for metrics
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// TargetConfig is the single endpoint under test.
type TargetConfig struct {
	// Host is the scheme and authority, e.g. http://localhost:8080
	Host string `json:"host" yaml:"host"`

	// Path is appended to Host
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PayloadConfig describes the fixture and how VUs draw from it.
type PayloadConfig struct {
	// Fixture is the path of the payload file (.gz and .zst are decompressed)
	Fixture string `json:"fixture" yaml:"fixture"`

	// Format is "line-delimited" or "json-array"
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Policy is "sequential" or "random"
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`

	// Seed for the random policy
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Validate checks every payload is well-formed JSON before the run
	Validate bool `json:"validate,omitempty" yaml:"validate,omitempty"`

	// Schema is an optional JSON Schema file every payload must satisfy
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// ScenarioConfig defines the load shape.
type ScenarioConfig struct {
	// VUs is the target number of concurrent virtual users
	VUs int `json:"vus" yaml:"vus"`

	// RampUpRate is users started per second; 0 starts all at once
	RampUpRate float64 `json:"rampUpRate,omitempty" yaml:"rampUpRate,omitempty"`

	// RampDownRate is users stopped per second; 0 stops all at once
	RampDownRate float64 `json:"rampDownRate,omitempty" yaml:"rampDownRate,omitempty"`

	// Duration of the run measured from start, ramp-up included
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Iterations is passes over the corpus per VU; 0 means unbounded
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// GracefulStop is how long stopped VUs get to finish in-flight requests.
	// Unset means DefaultGracefulStop; an explicit 0 waits without bound.
	GracefulStop *Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
}

// GlobalSettings contains HTTP client settings.
type GlobalSettings struct {
	// Timeout is the HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// NoConnectionReuse gives every VU its own client without keep-alives
	NoConnectionReuse bool `json:"noConnectionReuse,omitempty" yaml:"noConnectionReuse,omitempty"`

	// CheckTarget probes the target before any VU starts
	CheckTarget bool `json:"checkTarget,omitempty" yaml:"checkTarget,omitempty"`
}

// OutputConfig controls reporting.
type OutputConfig struct {
	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090"
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	// File receives the JSON result when set
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Quiet suppresses live progress
	Quiet bool `json:"quiet,omitempty" yaml:"quiet,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for the run.
type ThresholdsConfig struct {
	// HTTPReqDuration thresholds for request duration
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`

	// HTTPReqFailed thresholds for failure rate
	// e.g., ["rate < 0.01"] (less than 1% failures)
	HTTPReqFailed []string `json:"http_req_failed,omitempty" yaml:"http_req_failed,omitempty"`

	// HTTPReqs thresholds for request count/rate
	// e.g., ["count > 1000", "rate > 100"]
	HTTPReqs []string `json:"http_reqs,omitempty" yaml:"http_reqs,omitempty"`
}

// Empty reports whether no threshold is configured.
func (t *ThresholdsConfig) Empty() bool {
	return t == nil || len(t.HTTPReqDuration)+len(t.HTTPReqFailed)+len(t.HTTPReqs) == 0
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// NewDuration returns a pointer to d, for optional duration fields.
func NewDuration(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
