// Package counter binds human-readable counter names to measurement
// backends and groups them into a Set that is started, read and stopped
// as a unit.
//
// Raw values are cumulative and never decrease except by hardware
// wraparound. Info.Convert turns two raw readings into a reportable
// value: counts are reported as-is, energies as average power.
package counter

import (
	"errors"
	"time"
)

var (
	// ErrCounterNotFound is returned when no backend resolves a name.
	ErrCounterNotFound = errors.New("counter not found")

	// ErrCounterLimit is returned when a set already holds MaxCounters.
	ErrCounterLimit = errors.New("counter set is full")

	// ErrAttachDenied is returned when the caller may not instrument the
	// target process.
	ErrAttachDenied = errors.New("permission denied attaching counters")

	// ErrTargetExited is returned by Read once the attached target is gone.
	ErrTargetExited = errors.New("attached process has exited")

	// ErrNotRunning is returned by Read and Stop on a set that was not
	// started.
	ErrNotRunning = errors.New("counter set is not running")

	// ErrClosed is returned by every operation on a closed set.
	ErrClosed = errors.New("counter set is closed")
)

// MaxCounters is the capacity of a Set.
const MaxCounters = 32

// Unit is the native unit of a counter's raw value.
type Unit string

const (
	UnitCount      Unit = "count"
	UnitMicrojoule Unit = "uJ"
	UnitMillijoule Unit = "mJ"
)

// ZoneKind tells which hardware resource a system-wide counter measures.
type ZoneKind int

const (
	// ZoneNone marks counters that follow a process rather than a device.
	ZoneNone ZoneKind = iota
	ZonePackage
	ZoneDRAM
	ZoneGPU
)

func (k ZoneKind) String() string {
	switch k {
	case ZonePackage:
		return "package"
	case ZoneDRAM:
		return "dram"
	case ZoneGPU:
		return "gpu"
	default:
		return "none"
	}
}

// Info describes one resolved counter.
type Info struct {
	Name        string
	Description string
	Backend     string
	Unit        Unit

	// Range is the value at which the raw counter wraps to zero, or 0 if
	// it does not wrap within any practical run.
	Range uint64

	Zone      ZoneKind
	ZoneIndex int
}

// Energy reports whether the counter measures energy.
func (i Info) Energy() bool {
	return i.Unit == UnitMicrojoule || i.Unit == UnitMillijoule
}

// ReportUnit is the unit of the value returned by Convert.
func (i Info) ReportUnit() string {
	if i.Energy() {
		return "W"
	}
	return string(i.Unit)
}

// Delta returns cur-prev, accounting for at most one wraparound. A
// counter that went backwards without a known range yields 0.
func (i Info) Delta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	if i.Range > prev {
		return i.Range - prev + cur
	}
	return 0
}

// Convert turns the readings prev and cur, taken elapsed apart, into the
// reported value. Counts report cur. Energies report average watts over
// elapsed, and 0 when elapsed is not positive.
func (i Info) Convert(prev, cur uint64, elapsed time.Duration) float64 {
	if !i.Energy() {
		return float64(cur)
	}
	if elapsed <= 0 {
		return 0
	}
	joules := joulesOf(i.Unit, i.Delta(prev, cur))
	return joules / elapsed.Seconds()
}

// EnergyJoules returns raw as joules, or 0 for counters that do not
// measure energy.
func EnergyJoules(info Info, raw uint64) float64 {
	if !info.Energy() {
		return 0
	}
	return joulesOf(info.Unit, raw)
}

func joulesOf(unit Unit, v uint64) float64 {
	switch unit {
	case UnitMicrojoule:
		return float64(v) / 1e6
	case UnitMillijoule:
		return float64(v) / 1e3
	default:
		return 0
	}
}

// Backend resolves counter names and opens counters.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// IsAvailable checks whether the backend can run on this host.
	// Unavailable backends are not registered.
	IsAvailable() bool

	// Resolve looks up a counter by name.
	Resolve(name string) (Info, bool)

	// List returns every counter name the backend can resolve.
	List() []string

	// Open creates a stopped counter. A pid of 0 measures the calling
	// process; a positive pid measures that process and its children
	// from its next exec on.
	Open(info Info, pid int) (Counter, error)
}

// Counter is a single opened counter.
type Counter interface {
	Start() error
	Stop() error
	Reset() error
	Read() (uint64, error)
	Close() error
}
