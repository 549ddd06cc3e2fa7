package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/agent"
	"github.com/Guliveer/nrmextra/internal/cli"
	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/counter/countertest"
	"github.com/Guliveer/nrmextra/internal/nrm/nrmtest"
	"github.com/Guliveer/nrmextra/internal/supervisor"
)

func TestMain(m *testing.M) {
	if supervisor.IsChild() {
		supervisor.ChildMain()
	}
	os.Exit(m.Run())
}

func testTool(backend *countertest.Backend) cli.Tool {
	return cli.Tool{
		Name:             "test",
		Binary:           "nrm-test",
		Summary:          "count things while a command runs",
		DefaultFrequency: 10,
		Scopes:           agent.ScopeAllowed,
		Backends: func(*zap.Logger) []counter.Backend {
			return []counter.Backend{backend}
		},
		DefaultEvents: func(*counter.Registry) []string {
			return []string{"PAPI_TOT_INS"}
		},
	}
}

// pointAt routes the daemon client at server through the environment,
// the way an operator would.
func pointAt(t *testing.T, server *nrmtest.Server) {
	t.Helper()
	opts := server.Options("test")
	t.Setenv("NRM_UPSTREAM_URI", opts.URI)
	t.Setenv("NRM_PUB_PORT", strconv.Itoa(opts.PubPort))
	t.Setenv("NRM_RPC_PORT", strconv.Itoa(opts.RPCPort))
}

func run(t *testing.T, tool cli.Tool, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := tool.Main(context.Background(), append([]string{"--config="}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestHelpAndVersion(t *testing.T) {
	tool := testTool(countertest.New("PAPI_TOT_INS"))

	code, _, stderr := run(t, tool, "-h")
	if code != cli.ExitOK || !strings.Contains(stderr, "--event") {
		t.Errorf("help: code %d, output %q", code, stderr)
	}

	code, stdout, _ := run(t, tool, "--version")
	if code != cli.ExitOK || stdout != "nrm-test dev\n" {
		t.Errorf("version: code %d, output %q", code, stdout)
	}
}

func TestArgumentErrors(t *testing.T) {
	server := nrmtest.NewServer(t)
	pointAt(t, server)
	tool := testTool(countertest.New("PAPI_TOT_INS"))
	marker := filepath.Join(t.TempDir(), "ran")
	workload := []string{"--", "touch", marker}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown flag", append([]string{"--bogus"}, workload...), "unknown flag"},
		{"zero frequency", append([]string{"-f", "0"}, workload...), "invalid frequency"},
		{"negative frequency", append([]string{"-f", "-2"}, workload...), "invalid frequency"},
		{"NaN frequency", append([]string{"-f", "NaN"}, workload...), "invalid frequency"},
		{"infinite frequency", append([]string{"-f", "+Inf"}, workload...), "invalid frequency"},
		{"frequency above 1 GHz", append([]string{"-f", "2e9"}, workload...), "invalid frequency"},
		{"no command", []string{"-e", "PAPI_TOT_INS"}, "no command given"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tool, tt.args...)
			if code != cli.ExitFailure {
				t.Errorf("exit code = %d", code)
			}
			if !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr = %q, want %q", stderr, tt.want)
			}
		})
	}
	if server.Sessions() != 0 || len(server.Scopes()) != 0 || len(server.Events()) != 0 {
		t.Error("argument error reached the daemon")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("argument error let the workload run")
	}
}

func TestConfiguredFrequencyTooHigh(t *testing.T) {
	server := nrmtest.NewServer(t)
	pointAt(t, server)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("sampling:\n  frequency: 2e9\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := testTool(countertest.New("PAPI_TOT_INS")).Main(context.Background(),
		[]string{"--config", path, "--", "true"}, &stdout, &stderr)
	if code != cli.ExitFailure || !strings.Contains(stderr.String(), "invalid frequency") {
		t.Errorf("code %d, stderr %q", code, stderr.String())
	}
	if server.Sessions() != 0 {
		t.Error("invalid configured frequency reached the daemon")
	}
}

func TestList(t *testing.T) {
	tool := testTool(countertest.New("PAPI_TOT_INS", "PAPI_TOT_CYC"))
	code, stdout, _ := run(t, tool, "--list")
	if code != cli.ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if stdout != "PAPI_TOT_CYC\tcount\nPAPI_TOT_INS\tcount\n" {
		t.Errorf("list = %q", stdout)
	}
}

func TestPrintConfig(t *testing.T) {
	t.Setenv("NRM_PUB_PORT", "7000")
	tool := testTool(countertest.New("PAPI_TOT_INS"))
	code, stdout, _ := run(t, tool, "-f", "4", "--print-config")
	if code != cli.ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"pub_port: 7000", "frequency: 4"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("config output missing %q:\n%s", want, stdout)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("NRM_UPSTREAM_URI", "udp://127.0.0.1")
	tool := testTool(countertest.New("PAPI_TOT_INS"))
	code, _, stderr := run(t, tool, "--", "true")
	if code != cli.ExitFailure || !strings.Contains(stderr, "invalid configuration") {
		t.Errorf("code %d, stderr %q", code, stderr)
	}
}

func TestEndToEnd(t *testing.T) {
	server := nrmtest.NewServer(t)
	pointAt(t, server)
	backend := countertest.New("PAPI_TOT_INS")

	code, _, stderr := run(t, testTool(backend), "-e", "PAPI_TOT_INS", "-f", "10", "--", "sleep", "1")
	if code != cli.ExitOK {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}

	// 9 to 12 periodic samples plus the final one, counted once the
	// stream has gone quiet.
	events := server.WaitSettled(300*time.Millisecond, 3*time.Second)
	if len(events) < 10 || len(events) > 13 {
		t.Errorf("received %d events", len(events))
	}
	for _, e := range events {
		if e.Value < 0 {
			t.Errorf("negative count %v", e.Value)
		}
	}
	if len(server.Scopes()) != 0 || len(server.Sensors()) != 0 || server.Sessions() != 0 {
		t.Error("run left resources registered")
	}
	if backend.Leaked() != 0 {
		t.Error("run left counters open")
	}
}

func TestUnknownCounter(t *testing.T) {
	server := nrmtest.NewServer(t)
	pointAt(t, server)

	code, _, stderr := run(t, testTool(countertest.New("PAPI_TOT_INS")), "-e", "PAPI_NOPE", "--", "true")
	if code != cli.ExitFailure {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(stderr, "initialization error") {
		t.Errorf("stderr = %q", stderr)
	}
	if len(server.Scopes()) != 0 {
		t.Error("scopes left registered")
	}
}

func TestMissingCommandIsReportedAsChildFailure(t *testing.T) {
	server := nrmtest.NewServer(t)
	pointAt(t, server)

	code, _, stderr := run(t, testTool(countertest.New("PAPI_TOT_INS")), "--", "/nonexistent/nrm-extra-workload")
	if code != cli.ExitFailure {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(stderr, "process error: child:") || !strings.Contains(stderr, `"side": "child"`) {
		t.Errorf("stderr does not attribute the failure to the child:\n%s", stderr)
	}
	if len(server.Scopes()) != 0 {
		t.Error("scopes left registered")
	}
}
