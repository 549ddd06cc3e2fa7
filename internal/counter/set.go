package counter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Set.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Set.
type Options struct {
	Registry *Registry
	Logger   *zap.Logger

	// Alive reports whether an attached target still exists. Defaults to
	// a process table lookup.
	Alive func(pid int) bool
}

// Set is an ordered group of counters started, read and stopped
// together, so that values read in one call share a timestamp.
type Set struct {
	registry *Registry
	logger   *zap.Logger
	alive    func(pid int) bool

	mu       sync.Mutex
	infos    []Info
	backends []Backend
	counters []Counter
	opened   bool
	pid      int
	state    State
}

// New creates an empty set.
func New(opts Options) *Set {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alive := opts.Alive
	if alive == nil {
		alive = pidExists
	}
	return &Set{
		registry: opts.Registry,
		logger:   logger,
		alive:    alive,
	}
}

func pidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Add resolves name and appends it to the set, returning its index.
// Counters can only be added before the set is started.
func (s *Set) Add(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return 0, ErrClosed
	}
	if s.state != StateIdle {
		return 0, fmt.Errorf("adding %q: set is %s", name, s.state)
	}
	if len(s.infos) >= MaxCounters {
		return 0, fmt.Errorf("adding %q: %w (max %d)", name, ErrCounterLimit, MaxCounters)
	}
	if s.registry == nil {
		return 0, fmt.Errorf("%w: %q (no backends)", ErrCounterNotFound, name)
	}

	backend, info, err := s.registry.Lookup(name)
	if err != nil {
		return 0, err
	}

	var c Counter
	if s.opened {
		if c, err = backend.Open(info, s.pid); err != nil {
			return 0, fmt.Errorf("opening %q: %w", name, err)
		}
	}

	s.infos = append(s.infos, info)
	s.backends = append(s.backends, backend)
	s.counters = append(s.counters, c)

	s.logger.Debug("Added counter",
		zap.String("counter", name),
		zap.String("backend", info.Backend),
		zap.String("unit", string(info.Unit)))
	return len(s.infos) - 1, nil
}

// Attach binds every counter to process pid. Counters that follow a
// process start counting when the target next calls exec; system-wide
// counters record the target but keep measuring their device.
func (s *Set) Attach(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state != StateIdle || s.opened {
		return fmt.Errorf("attaching to %d: set is %s", pid, s.state)
	}
	if pid <= 0 {
		return fmt.Errorf("attaching: invalid pid %d", pid)
	}

	if err := s.openLocked(pid); err != nil {
		return err
	}
	s.logger.Debug("Attached counters", zap.Int("pid", pid), zap.Int("counters", len(s.infos)))
	return nil
}

func (s *Set) openLocked(pid int) error {
	for i, info := range s.infos {
		c, err := s.backends[i].Open(info, pid)
		if err != nil {
			for j := 0; j < i; j++ {
				s.counters[j].Close()
				s.counters[j] = nil
			}
			return fmt.Errorf("opening %q: %w", info.Name, err)
		}
		s.counters[i] = c
	}
	s.opened = true
	s.pid = pid
	return nil
}

// Start begins counting. A set that was never attached measures the
// calling process.
func (s *Set) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateRunning:
		return nil
	}
	if len(s.infos) == 0 {
		return errors.New("starting an empty counter set")
	}
	if !s.opened {
		if err := s.openLocked(0); err != nil {
			return err
		}
	}

	for i, c := range s.counters {
		if err := c.Start(); err != nil {
			for j := 0; j < i; j++ {
				s.counters[j].Stop()
			}
			return fmt.Errorf("starting %q: %w", s.infos[i].Name, err)
		}
	}
	s.state = StateRunning
	return nil
}

// Read returns the current raw value of every counter without stopping
// them.
func (s *Set) Read() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.state != StateRunning {
		return nil, ErrNotRunning
	}
	if s.pid > 0 && !s.alive(s.pid) {
		return nil, fmt.Errorf("reading counters of %d: %w", s.pid, ErrTargetExited)
	}
	return s.readLocked()
}

func (s *Set) readLocked() ([]uint64, error) {
	values := make([]uint64, len(s.counters))
	for i, c := range s.counters {
		v, err := c.Read()
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", s.infos[i].Name, err)
		}
		values[i] = v
	}
	return values, nil
}

// Stop halts every counter and returns the final values. It succeeds
// after the attached target has exited.
func (s *Set) Stop() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.state != StateRunning {
		return nil, ErrNotRunning
	}
	return s.stopLocked()
}

func (s *Set) stopLocked() ([]uint64, error) {
	values, readErr := s.readLocked()

	var errs error
	for i, c := range s.counters {
		if err := c.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stopping %q: %w", s.infos[i].Name, err))
		}
	}
	s.state = StateStopped
	return values, multierr.Append(readErr, errs)
}

// Reset zeroes every opened counter.
func (s *Set) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	var errs error
	for i, c := range s.counters {
		if c == nil {
			continue
		}
		if err := c.Reset(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resetting %q: %w", s.infos[i].Name, err))
		}
	}
	return errs
}

// Close stops a running set and releases every counter. Later calls
// return nil.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}

	var errs error
	if s.state == StateRunning {
		_, errs = s.stopLocked()
	}
	for i, c := range s.counters {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing %q: %w", s.infos[i].Name, err))
		}
		s.counters[i] = nil
	}
	s.state = StateClosed
	return errs
}

// Infos returns the description of every counter, in index order.
func (s *Set) Infos() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Info(nil), s.infos...)
}

// State returns the current lifecycle state.
func (s *Set) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Len returns the number of counters in the set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.infos)
}

// Pid returns the attached process, or 0.
func (s *Set) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}
