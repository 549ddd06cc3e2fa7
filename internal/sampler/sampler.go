// Package sampler implements the fixed-rate sampling loop. Each tick it
// reads every counter at once, converts the readings and sends one event
// per stream to the daemon, then checks whether the workload has exited.
// The sampler does not own the counters; a final reading is handed to
// Flush by whoever stops them.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/clock"
	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/models"
)

// Reader reads all counters in one call.
type Reader interface {
	Read() ([]uint64, error)
}

// Sink receives events.
type Sink interface {
	Send(ctx context.Context, event models.Event) error
}

// Watcher reports, without blocking, whether the workload has exited.
type Watcher interface {
	Poll() (bool, error)
}

// Stream binds the counter at the same index to a sensor and scope.
type Stream struct {
	Sensor string
	Scope  string
	Info   counter.Info
}

// Outcome tells why Run returned.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeChildExited
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeChildExited:
		return "child-exited"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// Options configures a Sampler.
type Options struct {
	Reader   Reader
	Sink     Sink
	Watcher  Watcher
	Streams  []Stream
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger

	// Baseline is the reading energy deltas of the first tick are
	// computed against, taken at BaselineAt. When nil, Run reads one
	// itself before the first sleep.
	Baseline   []uint64
	BaselineAt time.Time
}

// Stats summarises what a sampler sent.
type Stats struct {
	Ticks         int
	Samples       int
	LastTimestamp int64
}

// Sampler runs the sampling loop.
type Sampler struct {
	reader   Reader
	sink     Sink
	watcher  Watcher
	streams  []Stream
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	// Timestamps are the wall time at anchor advanced by the monotonic
	// time elapsed since, so they never go backwards.
	anchorWall time.Time
	anchor     time.Time

	prev    []uint64
	prevAt  time.Time
	flushed bool
	stats   Stats
}

// New creates a sampler.
func New(opts Options) (*Sampler, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %s", opts.Interval)
	}
	if len(opts.Streams) == 0 {
		return nil, errors.New("no streams to sample")
	}
	if opts.Baseline != nil && len(opts.Baseline) != len(opts.Streams) {
		return nil, fmt.Errorf("baseline has %d values for %d streams", len(opts.Baseline), len(opts.Streams))
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := c.Now()
	s := &Sampler{
		reader:     opts.Reader,
		sink:       opts.Sink,
		watcher:    opts.Watcher,
		streams:    opts.Streams,
		interval:   opts.Interval,
		clock:      c,
		logger:     logger,
		anchorWall: now.Round(0),
		anchor:     now,
	}
	if opts.Baseline != nil {
		s.prev = append([]uint64(nil), opts.Baseline...)
		s.prevAt = opts.BaselineAt
		if s.prevAt.IsZero() {
			s.prevAt = now
		}
	}
	return s, nil
}

// Run samples every interval until the workload exits or ctx is
// canceled. A read or send failure ends the loop with an error.
func (s *Sampler) Run(ctx context.Context) (Outcome, error) {
	if s.prev == nil {
		values, err := s.reader.Read()
		if errors.Is(err, counter.ErrTargetExited) {
			return OutcomeChildExited, nil
		}
		if err != nil {
			return OutcomeFailed, fmt.Errorf("reading baseline: %w", err)
		}
		s.prev, s.prevAt = values, s.clock.Now()
	}

	next := s.clock.Now().Add(s.interval)
	for {
		if err := s.sleepUntil(ctx, next); err != nil {
			s.logger.Debug("Sampling canceled", zap.Int("ticks", s.stats.Ticks))
			return OutcomeCanceled, nil
		}

		// A workload gone before the tick leaves the last reading to Flush.
		if exited, err := s.watcher.Poll(); err == nil && exited {
			s.logger.Debug("Workload exited", zap.Int("ticks", s.stats.Ticks))
			return OutcomeChildExited, nil
		}

		values, err := s.reader.Read()
		if errors.Is(err, counter.ErrTargetExited) {
			return OutcomeChildExited, nil
		}
		if err != nil {
			return OutcomeFailed, fmt.Errorf("reading counters: %w", err)
		}
		if err := s.dispatch(ctx, values); err != nil {
			return OutcomeFailed, err
		}
		s.stats.Ticks++

		exited, err := s.watcher.Poll()
		if err != nil {
			return OutcomeFailed, fmt.Errorf("checking workload: %w", err)
		}
		if exited {
			s.logger.Debug("Workload exited", zap.Int("ticks", s.stats.Ticks))
			return OutcomeChildExited, nil
		}

		now := s.clock.Now()
		for next = next.Add(s.interval); !next.After(now); next = next.Add(s.interval) {
			s.logger.Debug("Sampling overran, skipping a tick")
		}
	}
}

// sleepUntil waits until the clock reaches deadline. A wake-up before
// the deadline recomputes the remainder and waits again, so an early
// wake never dispatches early.
func (s *Sampler) sleepUntil(ctx context.Context, deadline time.Time) error {
	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(remaining):
		}
	}
}

// Flush sends the final reading. Only the first call sends anything.
func (s *Sampler) Flush(ctx context.Context, values []uint64) error {
	if s.flushed {
		return nil
	}
	s.flushed = true
	if len(values) != len(s.streams) {
		return fmt.Errorf("final reading has %d values for %d streams", len(values), len(s.streams))
	}
	if err := s.dispatch(ctx, values); err != nil {
		return fmt.Errorf("sending final sample: %w", err)
	}
	s.logger.Debug("Final sample sent", zap.Int("samples", s.stats.Samples))
	return nil
}

// dispatch sends one event per stream for a single reading. Every event
// of the reading carries the same timestamp.
func (s *Sampler) dispatch(ctx context.Context, values []uint64) error {
	now := s.clock.Now()
	ts := s.anchorWall.Add(now.Sub(s.anchor)).UnixNano()
	if ts < s.stats.LastTimestamp {
		ts = s.stats.LastTimestamp
	}

	var elapsed time.Duration
	if !s.prevAt.IsZero() {
		elapsed = now.Sub(s.prevAt)
	}

	for i, stream := range s.streams {
		var prev uint64
		if s.prev != nil {
			prev = s.prev[i]
		}
		event := models.Event{
			Time:   ts,
			Sensor: stream.Sensor,
			Scope:  stream.Scope,
			Value:  stream.Info.Convert(prev, values[i], elapsed),
		}
		if err := s.sink.Send(ctx, event); err != nil {
			return fmt.Errorf("sending %s sample: %w", stream.Info.Name, err)
		}
		s.stats.Samples++
	}

	s.stats.LastTimestamp = ts
	s.prev = values
	s.prevAt = now
	return nil
}

// Stats returns counters describing what was sent so far.
func (s *Sampler) Stats() Stats { return s.stats }
