// Package agent runs one supervised measurement: it binds counters,
// registers sensors and scopes with the daemon, launches the workload,
// samples until it exits and then tears everything down.
//
// Everything a run acquires lives in an explicit run value. Whatever
// step fails, the same cleanup sequence releases exactly what was
// acquired, in a fixed order.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/clock"
	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/models"
	"github.com/Guliveer/nrmextra/internal/naming"
	"github.com/Guliveer/nrmextra/internal/sampler"
	"github.com/Guliveer/nrmextra/internal/scope"
	"github.com/Guliveer/nrmextra/internal/supervisor"
)

// ScopeStrategy decides which scope each counter is reported against.
type ScopeStrategy int

const (
	// ScopeAllowed reports every counter against one scope covering the
	// CPUs the agent may run on.
	ScopeAllowed ScopeStrategy = iota
	// ScopePerCounter derives a scope from the zone each counter
	// measures: a package's CPUs, a NUMA node or a GPU.
	ScopePerCounter
)

// Plan describes one run.
type Plan struct {
	// Tool names the agent in sensor and scope names, e.g. "perfwrapper".
	Tool      string
	Counters  []string
	Scopes    ScopeStrategy
	Frequency float64
	Command   []string
}

// Validate checks the plan before anything is acquired.
func (p Plan) Validate() error {
	switch {
	case p.Tool == "":
		return errors.New("tool name is required")
	case len(p.Command) == 0:
		return errors.New("no command given")
	case len(p.Counters) == 0:
		return errors.New("no counters requested")
	}
	return CheckFrequency(p.Frequency)
}

// Interval is the time between two samples.
func (p Plan) Interval() time.Duration {
	return interval(p.Frequency)
}

func interval(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

// CheckFrequency rejects rates that do not give a positive sampling
// interval: NaN, infinities, non-positive values and rates above 1 GHz.
func CheckFrequency(hz float64) error {
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz <= 0 || interval(hz) <= 0 {
		return fmt.Errorf("invalid frequency %g: must be a finite rate above 0 and at most 1e9 Hz", hz)
	}
	return nil
}

// Session is the daemon session a run reports to.
type Session interface {
	scope.Registry
	AddSensor(ctx context.Context, name string) (models.Sensor, error)
	RemoveSensor(ctx context.Context, sensor models.Sensor) error
	Send(ctx context.Context, event models.Event) error
	Close(ctx context.Context) error
}

// Counters is the counter set a run drives.
type Counters interface {
	Add(name string) (int, error)
	Attach(pid int) error
	Start() error
	Read() ([]uint64, error)
	Stop() ([]uint64, error)
	Close() error
	Infos() []counter.Info
	State() counter.State
}

// Workload is a launched child process.
type Workload interface {
	Pid() int
	Poll() (bool, error)
	ExitCode() int
	Close() error
}

// Deps are the collaborators of a run.
type Deps struct {
	Logger *zap.Logger
	Clock  clock.Clock

	Dial        func(ctx context.Context) (Session, error)
	NewCounters func() (Counters, error)
	Launch      func(ctx context.Context, argv []string, attach supervisor.AttachFunc) (Workload, error)

	// ScopeFor builds the candidate scope of a counter under
	// ScopePerCounter. Defaults to ZoneScope.
	ScopeFor func(ctx context.Context, tool string, info counter.Info) (models.Scope, error)

	// CleanupTimeout bounds the daemon calls made during teardown.
	CleanupTimeout time.Duration
}

// Report describes a finished run.
type Report struct {
	Outcome  sampler.Outcome
	Stats    sampler.Stats
	ExitCode int

	FinalSent      bool
	ScopesCreated  int
	ScopesAdopted  int
	CleanupErr     error
	WorkloadUser   time.Duration
	WorkloadSystem time.Duration

	// Energy holds the joules each energy counter measured between the
	// baseline and the final reading, keyed by counter name.
	Energy map[string]float64
}

// Launcher adapts supervisor.Launch to Deps.Launch.
func Launcher(logger *zap.Logger) func(context.Context, []string, supervisor.AttachFunc) (Workload, error) {
	return func(ctx context.Context, argv []string, attach supervisor.AttachFunc) (Workload, error) {
		child, err := supervisor.Launch(ctx, argv, attach, logger)
		if err != nil {
			return nil, err
		}
		return child, nil
	}
}

// run holds everything acquired so far. A nil field was never acquired.
type run struct {
	deps   Deps
	plan   Plan
	logger *zap.Logger
	clock  clock.Clock

	counters Counters
	infos    []counter.Info
	session  Session
	sensors  []models.Sensor
	tracker  *scope.Tracker
	scopes   []models.Scope
	child    Workload
	sampler  *sampler.Sampler

	baseline   []uint64
	baselineAt time.Time

	// finalAllowed is set when the loop ended by workload exit or
	// cancellation, the only endings followed by a final sample.
	finalAllowed bool
	report       Report
}

// Run executes plan. The returned error is an *Error for every failure
// except interruption, which returns ErrInterrupted. The report is
// never nil.
func Run(ctx context.Context, deps Deps, plan Plan) (*Report, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	if deps.ScopeFor == nil {
		deps.ScopeFor = ZoneScope
	}
	if deps.CleanupTimeout <= 0 {
		deps.CleanupTimeout = 5 * time.Second
	}

	r := &run{deps: deps, plan: plan, logger: logger.With(zap.String("tool", plan.Tool)), clock: c}
	r.report.ExitCode = -1

	if err := plan.Validate(); err != nil {
		return &r.report, classify(KindArgument, err)
	}

	err := r.execute(ctx)
	if cleanupErr := r.cleanup(ctx); cleanupErr != nil && err == nil {
		err = cleanupErr
	}
	return &r.report, err
}

func (r *run) execute(ctx context.Context) error {
	if err := r.bindCounters(); err != nil {
		return classify(KindInitialization, err)
	}
	if err := r.openSession(ctx); err != nil {
		return classify(KindInitialization, err)
	}
	if err := r.resolveScopes(ctx); err != nil {
		return classify(KindScopeResolution, err)
	}
	if err := r.launch(ctx); err != nil {
		return classify(KindProcess, err)
	}
	return r.sample(ctx)
}

func (r *run) bindCounters() error {
	counters, err := r.deps.NewCounters()
	if err != nil {
		return fmt.Errorf("initializing counters: %w", err)
	}
	r.counters = counters

	for _, name := range r.plan.Counters {
		if _, err := counters.Add(name); err != nil {
			return err
		}
	}
	r.infos = counters.Infos()
	return nil
}

func (r *run) openSession(ctx context.Context) error {
	session, err := r.deps.Dial(ctx)
	if err != nil {
		return fmt.Errorf("opening daemon session: %w", err)
	}
	r.session = session

	for _, info := range r.infos {
		name := naming.SensorName(r.plan.Tool, info.Name)
		sensor, err := session.AddSensor(ctx, name)
		if err != nil {
			return fmt.Errorf("registering sensor %q: %w", name, err)
		}
		r.sensors = append(r.sensors, sensor)
	}
	return nil
}

func (r *run) resolveScopes(ctx context.Context) error {
	r.tracker = scope.NewTracker(r.session, r.logger)

	if r.plan.Scopes == ScopeAllowed {
		candidate, err := scope.Allowed(naming.Name("nrm.extra." + r.plan.Tool))
		if err != nil {
			return fmt.Errorf("building allowed CPU scope: %w", err)
		}
		resolved, _, err := r.tracker.Resolve(ctx, candidate)
		if err != nil {
			return err
		}
		for range r.infos {
			r.scopes = append(r.scopes, resolved)
		}
		return nil
	}

	for _, info := range r.infos {
		candidate, err := r.deps.ScopeFor(ctx, r.plan.Tool, info)
		if err != nil {
			return fmt.Errorf("building scope for %q: %w", info.Name, err)
		}
		resolved, _, err := r.tracker.Resolve(ctx, candidate)
		if err != nil {
			return err
		}
		r.scopes = append(r.scopes, resolved)
	}
	return nil
}

// launch starts the workload. Counters are attached, started and read
// once while the child is still held at the handshake.
func (r *run) launch(ctx context.Context) error {
	attach := func(pid int) error {
		if err := r.counters.Attach(pid); err != nil {
			return err
		}
		if err := r.counters.Start(); err != nil {
			return err
		}
		values, err := r.counters.Read()
		if err != nil {
			return fmt.Errorf("reading baseline: %w", err)
		}
		r.baseline, r.baselineAt = values, r.clock.Now()
		return nil
	}

	child, err := r.deps.Launch(ctx, r.plan.Command, attach)
	if err != nil {
		side := "parent"
		if errors.Is(err, supervisor.ErrChildExec) {
			side = "child"
		}
		r.logger.Error("Failed to launch workload",
			zap.String("side", side),
			zap.Strings("command", r.plan.Command),
			zap.Error(err))
		return err
	}
	r.child = child
	r.logger.Debug("Workload running", zap.Int("pid", child.Pid()))
	return nil
}

func (r *run) sample(ctx context.Context) error {
	streams := make([]sampler.Stream, len(r.infos))
	for i, info := range r.infos {
		streams[i] = sampler.Stream{Sensor: r.sensors[i].ID, Scope: r.scopes[i].ID, Info: info}
	}

	smp, err := sampler.New(sampler.Options{
		Reader:     r.counters,
		Sink:       r.session,
		Watcher:    r.child,
		Streams:    streams,
		Interval:   r.plan.Interval(),
		Clock:      r.clock,
		Logger:     r.logger,
		Baseline:   r.baseline,
		BaselineAt: r.baselineAt,
	})
	if err != nil {
		return classify(KindSampling, err)
	}
	r.sampler = smp

	outcome, err := smp.Run(ctx)
	r.report.Outcome = outcome
	if err != nil {
		r.logger.Error("Sampling failed", zap.Error(err))
		return classify(KindSampling, err)
	}
	r.finalAllowed = true
	if outcome == sampler.OutcomeCanceled {
		return ErrInterrupted
	}
	return nil
}
