// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > defaults.
package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "500ms", "5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Sampling SamplingConfig `yaml:"sampling"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// UpstreamConfig holds the daemon endpoints.
type UpstreamConfig struct {
	URI     string   `yaml:"uri"`
	PubPort int      `yaml:"pub_port"`
	RPCPort int      `yaml:"rpc_port"`
	Timeout Duration `yaml:"timeout"`
}

// SamplingConfig holds sampling settings.
type SamplingConfig struct {
	// Frequency in Hz. Zero leaves the choice to the tool.
	Frequency float64 `yaml:"frequency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URI:     "tcp://127.0.0.1",
			PubPort: 2345,
			RPCPort: 3456,
			Timeout: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Frequency float64
	LogLevel  string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > YAML file > defaults.
//
// An optional configPath argument controls file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no file)
//
// An explicitly named file must exist; a discovered one is read if present.
func LoadLayered(cli CLIOverrides, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	filePath, explicit := "", len(configPath) > 0
	if explicit {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		case explicit || !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cli.Frequency != 0 {
		cfg.Sampling.Frequency = cli.Frequency
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	return cfg, nil
}

// Write serializes the config as YAML.
func Write(cfg *Config, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return enc.Close()
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	if uri := os.Getenv("NRM_UPSTREAM_URI"); uri != "" {
		cfg.Upstream.URI = uri
	}
	for _, port := range []struct {
		env string
		dst *int
	}{
		{"NRM_PUB_PORT", &cfg.Upstream.PubPort},
		{"NRM_RPC_PORT", &cfg.Upstream.RPCPort},
	} {
		v := os.Getenv(port.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", port.env, v)
		}
		*port.dst = n
	}
	if level := os.Getenv("NRM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

// Validate checks that the configuration can be used to run an agent.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Upstream.URI, "tcp://") {
		return fmt.Errorf("upstream URI must use tcp:// (got: %s)", c.Upstream.URI)
	}
	for name, port := range map[string]int{"pub_port": c.Upstream.PubPort, "rpc_port": c.Upstream.RPCPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("upstream %s out of range: %d", name, port)
		}
	}
	if c.Upstream.Timeout.Duration <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if f := c.Sampling.Frequency; f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("sampling frequency must be a finite, non-negative number (got: %g)", f)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
