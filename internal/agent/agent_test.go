package agent_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Guliveer/nrmextra/internal/agent"
	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/counter/countertest"
	"github.com/Guliveer/nrmextra/internal/models"
	"github.com/Guliveer/nrmextra/internal/nrm"
	"github.com/Guliveer/nrmextra/internal/nrm/nrmtest"
	"github.com/Guliveer/nrmextra/internal/scope"
	"github.com/Guliveer/nrmextra/internal/supervisor"
	"github.com/Guliveer/nrmextra/internal/topology"
)

func TestMain(m *testing.M) {
	if supervisor.IsChild() {
		supervisor.ChildMain()
	}
	os.Exit(m.Run())
}

var errSend = errors.New("sink unreachable")

// failingSend drops every event.
type failingSend struct {
	agent.Session
}

func (failingSend) Send(context.Context, models.Event) error { return errSend }

func newDeps(t *testing.T, server *nrmtest.Server, backend *countertest.Backend) agent.Deps {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return agent.Deps{
		Logger: logger,
		Dial: func(ctx context.Context) (agent.Session, error) {
			return nrm.Dial(ctx, server.Options("test"))
		},
		NewCounters: func() (agent.Counters, error) {
			return counter.New(counter.Options{Registry: backend.Registry(), Logger: logger}), nil
		},
		Launch: agent.Launcher(logger),
	}
}

func plan(command ...string) agent.Plan {
	return agent.Plan{
		Tool:      "test",
		Counters:  []string{"PAPI_TOT_INS"},
		Scopes:    agent.ScopeAllowed,
		Frequency: 10,
		Command:   command,
	}
}

// checkReleased asserts that nothing acquired by a run outlived it.
func checkReleased(t *testing.T, server *nrmtest.Server, backend *countertest.Backend) {
	t.Helper()
	if n := len(server.Scopes()); n != 0 {
		t.Errorf("%d scopes left registered", n)
	}
	if n := len(server.Sensors()); n != 0 {
		t.Errorf("%d sensors left registered", n)
	}
	if n := server.Sessions(); n != 0 {
		t.Errorf("%d sessions left open", n)
	}
	if n := supervisor.OpenHandshakes(); n != 0 {
		t.Errorf("%d handshakes left open", n)
	}
	if n := backend.Leaked(); n != 0 {
		t.Errorf("%d counters left open", n)
	}
}

func checkKind(t *testing.T, err error, want agent.Kind) {
	t.Helper()
	kind, ok := agent.KindOf(err)
	if !ok || kind != want {
		t.Fatalf("err = %v, want %s", err, want)
	}
}

func TestRunImmediateExitSendsOneFinalSample(t *testing.T) {
	server := nrmtest.NewServer(t)
	backend := countertest.New("PAPI_TOT_INS")
	p := plan("true")
	p.Frequency = 2

	report, err := agent.Run(context.Background(), newDeps(t, server, backend), p)
	if err != nil {
		t.Fatal(err)
	}
	if !report.FinalSent || report.ExitCode != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.Stats.Ticks != 0 {
		t.Errorf("Ticks = %d, want none before the workload exited", report.Stats.Ticks)
	}

	events := server.WaitEvents(1, 2*time.Second)
	if len(events) != 1 {
		t.Fatalf("received %d events, want exactly the final sample", len(events))
	}
	if events[0].Value < 0 {
		t.Errorf("negative count %v", events[0].Value)
	}
	checkReleased(t, server, backend)
}

func TestRunSamplesPeriodically(t *testing.T) {
	server := nrmtest.NewServer(t)
	backend := countertest.New("PAPI_TOT_INS")
	p := plan("sleep", "1")

	report, err := agent.Run(context.Background(), newDeps(t, server, backend), p)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome.String() != "child-exited" {
		t.Errorf("Outcome = %s", report.Outcome)
	}
	if report.Stats.Ticks < 7 || report.Stats.Ticks > 12 {
		t.Errorf("Ticks = %d, want about 10", report.Stats.Ticks)
	}

	want := report.Stats.Ticks + 1
	events := server.WaitSettled(200*time.Millisecond, 3*time.Second)
	if len(events) != want {
		t.Fatalf("received %d events, want %d periodic plus final", len(events), want)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Time < events[i-1].Time {
			t.Errorf("timestamp went backwards at %d", i)
		}
		if events[i].Value < events[i-1].Value {
			t.Errorf("count decreased at %d", i)
		}
	}
	if report.ScopesCreated != 1 {
		t.Errorf("ScopesCreated = %d", report.ScopesCreated)
	}
	checkReleased(t, server, backend)
}

func TestRunKeepsAdoptedScope(t *testing.T) {
	server := nrmtest.NewServer(t)
	backend := countertest.New("PAPI_TOT_INS")
	allowed, err := scope.Allowed("other-agent")
	if err != nil {
		t.Fatal(err)
	}
	seeded := server.SeedScope(allowed)

	report, err := agent.Run(context.Background(), newDeps(t, server, backend), plan("true"))
	if err != nil {
		t.Fatal(err)
	}
	if report.ScopesAdopted != 1 || report.ScopesCreated != 0 {
		t.Errorf("adopted=%d created=%d", report.ScopesAdopted, report.ScopesCreated)
	}
	scopes := server.Scopes()
	if len(scopes) != 1 || scopes[0].ID != seeded.ID {
		t.Errorf("scopes after run = %+v, want the adopted one untouched", scopes)
	}
	if server.RemovedScopes() != 0 {
		t.Errorf("retracted %d scopes this run did not create", server.RemovedScopes())
	}
}

func TestRunFailurePoints(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		setup   func(*nrmtest.Server, *countertest.Backend, *agent.Deps, *agent.Plan)
		kind    agent.Kind
		is      error
	}{
		{
			name:    "library init",
			command: []string{"true"},
			setup: func(_ *nrmtest.Server, _ *countertest.Backend, d *agent.Deps, _ *agent.Plan) {
				d.NewCounters = func() (agent.Counters, error) { return nil, errors.New("no counter library") }
			},
			kind: agent.KindInitialization,
		},
		{
			name:    "unknown counter",
			command: []string{"true"},
			setup: func(_ *nrmtest.Server, _ *countertest.Backend, _ *agent.Deps, p *agent.Plan) {
				p.Counters = []string{"PAPI_TOT_INS", "PAPI_NOPE"}
			},
			kind: agent.KindInitialization,
			is:   counter.ErrCounterNotFound,
		},
		{
			name:    "scope registry",
			command: []string{"true"},
			setup: func(s *nrmtest.Server, _ *countertest.Backend, _ *agent.Deps, _ *agent.Plan) {
				s.FailAction(nrm.ActionFindOrAddScope, "registry offline")
			},
			kind: agent.KindScopeResolution,
		},
		{
			name:    "attach",
			command: []string{"sleep", "5"},
			setup: func(_ *nrmtest.Server, b *countertest.Backend, _ *agent.Deps, _ *agent.Plan) {
				b.DenyAttach()
			},
			kind: agent.KindProcess,
			is:   counter.ErrAttachDenied,
		},
		{
			name:    "first read",
			command: []string{"sleep", "5"},
			setup: func(_ *nrmtest.Server, b *countertest.Backend, _ *agent.Deps, _ *agent.Plan) {
				// The first read is the baseline taken at attach time.
				b.FailReadAt(2)
			},
			kind: agent.KindSampling,
			is:   countertest.ErrInjected,
		},
		{
			name:    "dispatch",
			command: []string{"sleep", "5"},
			setup: func(s *nrmtest.Server, _ *countertest.Backend, d *agent.Deps, _ *agent.Plan) {
				d.Dial = func(ctx context.Context) (agent.Session, error) {
					client, err := nrm.Dial(ctx, s.Options("test"))
					if err != nil {
						return nil, err
					}
					return failingSend{client}, nil
				}
			},
			kind: agent.KindSampling,
			is:   errSend,
		},
		{
			name:    "missing command",
			command: []string{"/nonexistent/nrm-extra-workload"},
			kind:    agent.KindProcess,
			is:      supervisor.ErrChildExec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := nrmtest.NewServer(t)
			backend := countertest.New("PAPI_TOT_INS")
			deps := newDeps(t, server, backend)
			p := plan(tt.command...)
			if tt.setup != nil {
				tt.setup(server, backend, &deps, &p)
			}

			report, err := agent.Run(context.Background(), deps, p)
			checkKind(t, err, tt.kind)
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want it to wrap %v", err, tt.is)
			}
			if report == nil {
				t.Fatal("nil report")
			}
			if report.FinalSent {
				t.Error("final sample sent after a fatal error")
			}
			if n := len(server.Events()); n != 0 {
				t.Errorf("%d events sent after a fatal error", n)
			}
			checkReleased(t, server, backend)
		})
	}
}

func TestRunInterrupted(t *testing.T) {
	server := nrmtest.NewServer(t)
	backend := countertest.New("PAPI_TOT_INS")

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(300*time.Millisecond, cancel)
	defer timer.Stop()

	report, err := agent.Run(ctx, newDeps(t, server, backend), plan("sleep", "5"))
	if !errors.Is(err, agent.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if !report.FinalSent {
		t.Error("final sample not sent after interruption")
	}
	if report.ExitCode != 128+15 {
		t.Errorf("workload exit code = %d, want terminated", report.ExitCode)
	}
	checkReleased(t, server, backend)
}

func TestRunRejectsBadPlan(t *testing.T) {
	server := nrmtest.NewServer(t)
	backend := countertest.New("PAPI_TOT_INS")
	marker := filepath.Join(t.TempDir(), "ran")

	tests := []struct {
		name   string
		mutate func(*agent.Plan)
	}{
		{"no command", func(p *agent.Plan) { p.Command = nil }},
		{"no counters", func(p *agent.Plan) { p.Counters = nil }},
		{"no tool", func(p *agent.Plan) { p.Tool = "" }},
		{"zero frequency", func(p *agent.Plan) { p.Frequency = 0 }},
		{"negative frequency", func(p *agent.Plan) { p.Frequency = -1 }},
		{"NaN frequency", func(p *agent.Plan) { p.Frequency = math.NaN() }},
		{"infinite frequency", func(p *agent.Plan) { p.Frequency = math.Inf(1) }},
		{"sub-nanosecond interval", func(p *agent.Plan) { p.Frequency = 2e9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := plan("touch", marker)
			tt.mutate(&p)
			_, err := agent.Run(context.Background(), newDeps(t, server, backend), p)
			checkKind(t, err, agent.KindArgument)
		})
	}
	if server.Sessions() != 0 || len(server.Scopes()) != 0 {
		t.Error("bad plan reached the daemon")
	}
	if len(backend.OpenedPIDs()) != 0 {
		t.Error("bad plan opened counters")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("bad plan let the workload run")
	}
}

func TestCheckFrequency(t *testing.T) {
	for _, hz := range []float64{0.001, 1, 10, 1e9} {
		if err := agent.CheckFrequency(hz); err != nil {
			t.Errorf("CheckFrequency(%g) = %v", hz, err)
		}
	}
	for _, hz := range []float64{0, -3, math.NaN(), math.Inf(1), math.Inf(-1), 2e9} {
		if err := agent.CheckFrequency(hz); err == nil {
			t.Errorf("CheckFrequency(%g) accepted", hz)
		}
	}
}

func TestRunReportsEnergy(t *testing.T) {
	server := nrmtest.NewServer(t)
	backend := countertest.New("PAPI_TOT_INS")
	const zone = "powercap:::ENERGY_UJ:ZONE0"
	backend.AddCounter(counter.Info{Name: zone, Unit: counter.UnitMicrojoule}, 1_000_000)
	p := plan("true")
	p.Counters = []string{"PAPI_TOT_INS", zone}
	p.Frequency = 2

	report, err := agent.Run(context.Background(), newDeps(t, server, backend), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Energy) != 1 {
		t.Fatalf("Energy = %v, want only the energy counter", report.Energy)
	}
	// The final reading is at least one 1 J step past the baseline.
	if got := report.Energy[zone]; got < 1 {
		t.Errorf("Energy[%s] = %g J, want at least 1", zone, got)
	}
}

func TestZoneScope(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	nodeDir := filepath.Join(root, "devices/system/node")
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nodeDir, "online"), []byte("0-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	saved := topology.SysRoot
	topology.SysRoot = root
	t.Cleanup(func() { topology.SysRoot = saved })

	numa, err := agent.ZoneScope(ctx, "power", counter.Info{Zone: counter.ZoneDRAM, ZoneIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if numa.Name != "nrm.power.numa.1" || numa.Key() != "numa:1" {
		t.Errorf("DRAM scope = %+v", numa)
	}

	if _, err := agent.ZoneScope(ctx, "power", counter.Info{Zone: counter.ZoneDRAM, ZoneIndex: 3}); err == nil {
		t.Error("DRAM zone without an online NUMA node got a scope")
	}

	gpu, err := agent.ZoneScope(ctx, "power", counter.Info{Zone: counter.ZoneGPU, ZoneIndex: 2})
	if err != nil {
		t.Fatal(err)
	}
	if gpu.Name != "nrm.power.gpu.2" || gpu.Key() != "gpu:2" {
		t.Errorf("GPU scope = %+v", gpu)
	}

	allowed, err := agent.ZoneScope(ctx, "power", counter.Info{Zone: counter.ZoneNone})
	if err != nil {
		t.Fatal(err)
	}
	if len(allowed.Members) == 0 {
		t.Error("allowed scope is empty")
	}
}
