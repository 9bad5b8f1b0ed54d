package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the whole configuration.
//
// Returns nil if valid, or a *ValidationErrors containing every problem found.
func (c *RunConfig) Validate() error {
	errs := &ValidationErrors{}

	validateTarget(&c.Target, errs)
	validatePayload(&c.Payload, errs)
	validateScenario(&c.Scenario, errs)
	validateSettings(&c.Settings, errs)

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, errs)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateTarget(t *TargetConfig, errs *ValidationErrors) {
	if t.Host == "" {
		errs.Add("target.host", "host is required")
		return
	}

	u, err := url.Parse(t.Host)
	if err != nil {
		errs.Add("target.host", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add("target.host", fmt.Sprintf("unsupported scheme %q (expected http or https)", u.Scheme))
	}
	if u.Host == "" {
		errs.Add("target.host", "missing host name")
	}
}

func validatePayload(p *PayloadConfig, errs *ValidationErrors) {
	if p.Fixture == "" {
		errs.Add("payload.fixture", fmt.Sprintf("fixture path is required (set --fixture or %s)", FixtureEnv))
	}

	switch p.Format {
	case "", "line-delimited", "json-array":
	default:
		errs.Add("payload.format", fmt.Sprintf("unknown format: %s", p.Format))
	}

	switch p.Policy {
	case "", "sequential", "random":
	default:
		errs.Add("payload.policy", fmt.Sprintf("unknown policy: %s", p.Policy))
	}
}

func validateScenario(s *ScenarioConfig, errs *ValidationErrors) {
	if s.VUs < 1 {
		errs.Add("scenario.vus", "vus must be at least 1")
	}
	if s.RampUpRate < 0 {
		errs.Add("scenario.rampUpRate", "cannot be negative")
	}
	if s.RampDownRate < 0 {
		errs.Add("scenario.rampDownRate", "cannot be negative")
	}
	if s.Duration < 0 {
		errs.Add("scenario.duration", "cannot be negative")
	}
	if s.Iterations < 0 {
		errs.Add("scenario.iterations", "cannot be negative")
	}
	if s.Duration == 0 && s.Iterations == 0 {
		errs.Add("scenario.duration", "duration is required when iterations is 0")
	}
	if s.GracefulStop != nil && *s.GracefulStop < 0 {
		errs.Add("scenario.gracefulStop", "cannot be negative")
	}
}

func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}

// validateThresholds validates threshold configuration.
func validateThresholds(t *ThresholdsConfig, errs *ValidationErrors) {
	for i, threshold := range t.HTTPReqDuration {
		if err := validateThresholdExpression(threshold, "min", "max", "avg", "med", "p50", "p90", "p95", "p99"); err != nil {
			errs.Add(fmt.Sprintf("thresholds.http_req_duration[%d]", i), err.Error())
		}
	}

	for i, threshold := range t.HTTPReqFailed {
		if err := validateThresholdExpression(threshold, "rate"); err != nil {
			errs.Add(fmt.Sprintf("thresholds.http_req_failed[%d]", i), err.Error())
		}
	}

	for i, threshold := range t.HTTPReqs {
		if err := validateThresholdExpression(threshold, "count", "rate"); err != nil {
			errs.Add(fmt.Sprintf("thresholds.http_reqs[%d]", i), err.Error())
		}
	}
}

var thresholdPattern = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// ParseThresholdExpression splits an expression like "p95 < 500ms" into
// its metric, operator and value.
func ParseThresholdExpression(expr string) (metric, op, value string, err error) {
	expr = strings.TrimSpace(expr)

	matches := thresholdPattern.FindStringSubmatch(expr)
	if len(matches) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %s", expr)
	}

	return matches[1], matches[2], strings.TrimSpace(matches[3]), nil
}

// validateThresholdExpression checks that expr parses, uses one of metrics
// and a known operator.
func validateThresholdExpression(expr string, metrics ...string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("threshold expression cannot be empty")
	}

	metric, op, _, err := ParseThresholdExpression(expr)
	if err != nil {
		return err
	}

	found := false
	for _, m := range metrics {
		if m == metric {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("threshold must start with a valid metric (%s)", strings.Join(metrics, ", "))
	}

	switch op {
	case "<", ">", "<=", ">=", "==", "!=":
	default:
		return fmt.Errorf("threshold must contain a comparison operator (<, >, <=, >=, ==, !=)")
	}

	return nil
}
