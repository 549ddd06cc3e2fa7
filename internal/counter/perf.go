package counter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type perfEvent struct {
	typ         uint32
	config      uint64
	description string
}

// perfEvents maps PAPI preset names and perf tool names to kernel
// events.
var perfEvents = map[string]perfEvent{
	"PAPI_TOT_INS": {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, "Instructions completed"},
	"PAPI_TOT_CYC": {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, "Total cycles"},
	"PAPI_REF_CYC": {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, "Reference clock cycles"},
	"PAPI_BR_INS":  {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, "Branch instructions"},
	"PAPI_BR_MSP":  {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES, "Conditional branch instructions mispredicted"},
	"PAPI_L3_TCA":  {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES, "Last level cache accesses"},
	"PAPI_L3_TCM":  {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES, "Last level cache misses"},
	"PAPI_STL_ICY": {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND, "Cycles with no instruction issue"},
	"PAPI_RES_STL": {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND, "Cycles stalled on any resource"},

	"instructions":     {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, "Instructions retired"},
	"cycles":           {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, "CPU cycles"},
	"branches":         {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, "Branch instructions"},
	"branch-misses":    {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES, "Mispredicted branches"},
	"cache-references": {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES, "Last level cache accesses"},
	"cache-misses":     {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES, "Last level cache misses"},
	"task-clock":       {unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_TASK_CLOCK, "Task clock in nanoseconds"},
	"cpu-clock":        {unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK, "CPU clock in nanoseconds"},
	"page-faults":      {unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_PAGE_FAULTS, "Page faults"},
	"context-switches": {unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CONTEXT_SWITCHES, "Context switches"},
	"cpu-migrations":   {unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_MIGRATIONS, "CPU migrations"},
}

// PerfBackend opens counters with perf_event_open.
type PerfBackend struct {
	availOnce sync.Once
	availErr  error
}

// NewPerfBackend creates the perf_event backend.
func NewPerfBackend() *PerfBackend {
	return &PerfBackend{}
}

func (b *PerfBackend) Name() string { return "perf" }

// IsAvailable tries perf_event_open with a software event on the
// calling process.
func (b *PerfBackend) IsAvailable() bool {
	b.availOnce.Do(func() {
		c, err := b.Open(Info{Name: "task-clock"}, 0)
		if err == nil {
			c.Close()
		}
		b.availErr = err
	})
	return b.availErr == nil
}

func (b *PerfBackend) Resolve(name string) (Info, bool) {
	ev, ok := perfEvents[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: name, Description: ev.description, Unit: UnitCount}, true
}

func (b *PerfBackend) List() []string {
	names := make([]string, 0, len(perfEvents))
	for name := range perfEvents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a disabled counter following pid and every child it
// spawns. For a foreign pid the kernel enables the counter when the
// target calls exec, so nothing the target ran before exec is counted.
func (b *PerfBackend) Open(info Info, pid int) (Counter, error) {
	ev, ok := perfEvents[info.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCounterNotFound, info.Name)
	}

	attr := unix.PerfEventAttr{
		Type:        ev.typ,
		Config:      ev.config,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
		Bits:        unix.PerfBitDisabled | unix.PerfBitInherit | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}
	onExec := pid > 0
	if onExec {
		attr.Bits |= unix.PerfBitEnableOnExec
	}

	fd, err := unix.PerfEventOpen(&attr, pid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: perf_event_open %s for pid %d: %v", ErrAttachDenied, info.Name, pid, err)
		}
		if errors.Is(err, unix.ESRCH) {
			return nil, fmt.Errorf("perf_event_open %s: %w", info.Name, ErrTargetExited)
		}
		return nil, fmt.Errorf("perf_event_open %s: %w", info.Name, err)
	}
	return &perfCounter{fd: fd, onExec: onExec}, nil
}

type perfCounter struct {
	fd     int
	onExec bool
}

// Start enables the counter. Counters armed for exec are left to the
// kernel so that the supervisor's own pre-exec work is not counted.
func (c *perfCounter) Start() error {
	if c.onExec {
		return nil
	}
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func (c *perfCounter) Stop() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

func (c *perfCounter) Reset() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// Read returns the count scaled for multiplexing.
func (c *perfCounter) Read() (uint64, error) {
	var buf [24]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short perf read: %d bytes", n)
	}
	value := binary.NativeEndian.Uint64(buf[0:8])
	enabled := binary.NativeEndian.Uint64(buf[8:16])
	running := binary.NativeEndian.Uint64(buf[16:24])
	return scaleMultiplexed(value, enabled, running), nil
}

func (c *perfCounter) Close() error {
	return unix.Close(c.fd)
}

// scaleMultiplexed extrapolates a count observed for running out of
// enabled nanoseconds.
func scaleMultiplexed(value, enabled, running uint64) uint64 {
	if running == 0 {
		return 0
	}
	if running >= enabled {
		return value
	}
	scaled := float64(value) * float64(enabled) / float64(running)
	if scaled >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(scaled)
}
