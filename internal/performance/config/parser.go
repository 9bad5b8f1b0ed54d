package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FixtureEnv names the environment variable that supplies the default fixture path.
const FixtureEnv = "FIXTURE_PATH"

// Default values applied by Default and ApplyDefaults.
const (
	DefaultHost                = "http://localhost:8080"
	DefaultPath                = "/snowpipe/insert"
	DefaultDuration            = 30 * time.Second
	DefaultGracefulStop        = 30 * time.Second
	DefaultTimeout             = 30 * time.Second
	DefaultMaxIdleConnsPerHost = 100
)

// Default returns a configuration with every default applied.
func Default() *RunConfig {
	cfg := &RunConfig{}
	ApplyDefaults(cfg)
	return cfg
}

// LoadConfig loads a run configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*RunConfig, error) {
	var config RunConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var seconds int
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &seconds, &rest); n == 1 {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults fills every unset field with its default. The fixture
// defaults to $FIXTURE_PATH.
func ApplyDefaults(config *RunConfig) {
	if config.Target.Host == "" {
		config.Target.Host = DefaultHost
	}
	if config.Target.Path == "" {
		config.Target.Path = DefaultPath
	}

	if config.Payload.Fixture == "" {
		config.Payload.Fixture = os.Getenv(FixtureEnv)
	}
	if config.Payload.Format == "" {
		config.Payload.Format = "line-delimited"
	}
	if config.Payload.Policy == "" {
		config.Payload.Policy = "sequential"
	}

	if config.Scenario.VUs == 0 {
		config.Scenario.VUs = 1
	}
	if config.Scenario.Duration == 0 && config.Scenario.Iterations == 0 {
		config.Scenario.Duration = Duration(DefaultDuration)
	}
	if config.Scenario.GracefulStop == nil {
		config.Scenario.GracefulStop = NewDuration(DefaultGracefulStop)
	}

	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(DefaultTimeout)
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
}
