package config

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	path := writeFile(t, "sampling:\n  frequency: 4\nlogging:\n  level: warn\n")
	t.Setenv("NRM_LOG_LEVEL", "error")
	cli := CLIOverrides{Frequency: 50, LogLevel: "debug"}

	cfg, err := LoadLayered(cli, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sampling.Frequency != 50 {
		t.Errorf("Frequency = %g, want CLI override", cfg.Sampling.Frequency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want CLI override", cfg.Logging.Level)
	}
}

func TestLoadLayered_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "upstream:\n  uri: tcp://10.0.0.1\n  rpc_port: 4000\n  timeout: 250ms\n")
	t.Setenv("NRM_UPSTREAM_URI", "tcp://10.0.0.2")
	t.Setenv("NRM_PUB_PORT", "9000")

	cfg, err := LoadLayered(CLIOverrides{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upstream.URI != "tcp://10.0.0.2" {
		t.Errorf("URI = %q, want env override", cfg.Upstream.URI)
	}
	if cfg.Upstream.PubPort != 9000 {
		t.Errorf("PubPort = %d, want env override", cfg.Upstream.PubPort)
	}
	if cfg.Upstream.RPCPort != 4000 {
		t.Errorf("RPCPort = %d, want file value", cfg.Upstream.RPCPort)
	}
	if cfg.Upstream.Timeout.Duration != 250*time.Millisecond {
		t.Errorf("Timeout = %v, want file value", cfg.Upstream.Timeout.Duration)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upstream.URI != "tcp://127.0.0.1" || cfg.Upstream.PubPort != 2345 || cfg.Upstream.RPCPort != 3456 {
		t.Errorf("Upstream = %+v, want daemon defaults", cfg.Upstream)
	}
	if cfg.Sampling.Frequency != 0 {
		t.Errorf("Frequency = %g, want unset", cfg.Sampling.Frequency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadLayered_MissingExplicitFile(t *testing.T) {
	_, err := LoadLayered(CLIOverrides{}, filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadLayered_BadEnvPort(t *testing.T) {
	t.Setenv("NRM_RPC_PORT", "rpc")
	_, err := LoadLayered(CLIOverrides{}, "")
	if err == nil || !strings.Contains(err.Error(), "NRM_RPC_PORT") {
		t.Fatalf("err = %v, want it to name the variable", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ipc uri", func(c *Config) { c.Upstream.URI = "ipc:///tmp/nrm" }},
		{"zero port", func(c *Config) { c.Upstream.PubPort = 0 }},
		{"large port", func(c *Config) { c.Upstream.RPCPort = 70000 }},
		{"no timeout", func(c *Config) { c.Upstream.Timeout = Duration{} }},
		{"negative frequency", func(c *Config) { c.Sampling.Frequency = -1 }},
		{"NaN frequency", func(c *Config) { c.Sampling.Frequency = math.NaN() }},
		{"infinite frequency", func(c *Config) { c.Sampling.Frequency = math.Inf(1) }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestWrite_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sampling.Frequency = 2.5

	var buf bytes.Buffer
	if err := Write(cfg, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "timeout: 5s") {
		t.Errorf("timeout not written as a duration string:\n%s", buf.String())
	}

	loaded, err := LoadLayered(CLIOverrides{}, writeFile(t, buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	if *loaded != *cfg {
		t.Errorf("loaded %+v, want %+v", loaded, cfg)
	}
}
