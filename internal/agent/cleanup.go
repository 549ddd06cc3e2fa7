package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/sampler"
)

// cleanup releases everything the run acquired, in order:
//
//  1. stop and close the counters
//  2. send the final sample, if the loop ended by exit or cancellation
//  3. remove sensors
//  4. retract scopes this run registered
//  5. close the daemon session
//  6. terminate and reap the workload, releasing the handshake
//
// Every step runs even if an earlier one failed. Step failures are
// logged and collected in the report; only a failed final sample is
// returned, since a run without it did not complete.
func (r *run) cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deps.CleanupTimeout)
	defer cancel()

	var errs error
	step := func(name string, fn func() error) error {
		err := fn()
		if err != nil {
			r.logger.Warn("Cleanup step failed", zap.String("step", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return err
	}

	var final []uint64
	if r.counters != nil {
		if r.counters.State() == counter.StateRunning {
			step("stop counters", func() error {
				values, err := r.counters.Stop()
				final = values
				return err
			})
		}
		step("close counters", r.counters.Close)
	}
	r.recordEnergy(final)

	var flushErr error
	if r.finalAllowed && r.sampler != nil && final != nil {
		flushErr = step("final sample", func() error { return r.sampler.Flush(ctx, final) })
		r.report.FinalSent = flushErr == nil
	}
	if r.sampler != nil {
		r.report.Stats = r.sampler.Stats()
	}

	if r.session != nil {
		for i := len(r.sensors) - 1; i >= 0; i-- {
			sensor := r.sensors[i]
			step("remove sensor "+sensor.Name, func() error { return r.session.RemoveSensor(ctx, sensor) })
		}
	}

	if r.tracker != nil {
		r.report.ScopesCreated = len(r.tracker.Created())
		r.report.ScopesAdopted = len(r.tracker.Adopted())
		step("retract scopes", func() error { return r.tracker.Release(ctx) })
	}

	if r.session != nil {
		step("close session", func() error { return r.session.Close(ctx) })
	}

	if r.child != nil {
		step("release workload", r.child.Close)
		r.report.ExitCode = r.child.ExitCode()
		if u, ok := r.child.(interface {
			Usage() (time.Duration, time.Duration)
		}); ok {
			r.report.WorkloadUser, r.report.WorkloadSystem = u.Usage()
		}
		r.logger.Debug("Workload finished",
			zap.Int("exit_code", r.report.ExitCode),
			zap.Duration("user", r.report.WorkloadUser),
			zap.Duration("system", r.report.WorkloadSystem))
	}

	r.report.CleanupErr = errs
	if flushErr != nil && r.report.Outcome == sampler.OutcomeChildExited {
		return classify(KindSampling, flushErr)
	}
	return nil
}

// recordEnergy totals what each energy counter measured over the run.
func (r *run) recordEnergy(final []uint64) {
	if len(final) != len(r.infos) || len(r.baseline) != len(r.infos) {
		return
	}
	for i, info := range r.infos {
		if !info.Energy() {
			continue
		}
		joules := counter.EnergyJoules(info, info.Delta(r.baseline[i], final[i]))
		if r.report.Energy == nil {
			r.report.Energy = make(map[string]float64)
		}
		r.report.Energy[info.Name] = joules
		r.logger.Debug("Energy consumed", zap.String("counter", info.Name), zap.Float64("joules", joules))
	}
}
