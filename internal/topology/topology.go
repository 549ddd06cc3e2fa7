// Package topology answers the resource questions the agents need when
// building scopes: which CPUs this process may run on, which CPUs belong
// to a package, which NUMA nodes are online and how many GPUs are present.
//
// CPU numbers are the operating system's logical CPU numbers; no
// separate logical renumbering is applied.
package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"
)

// SysRoot is the sysfs mount point. Tests point it at a temporary tree.
var SysRoot = "/sys"

// AllowedCPUs returns the sorted CPU set the calling process is allowed
// to run on.
func AllowedCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("reading CPU affinity: %w", err)
	}
	return cpusFromSet(&set), nil
}

func cpusFromSet(set *unix.CPUSet) []int {
	var cpus []int
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}

// PackageCPUs returns the logical CPUs that belong to physical package
// pkg.
func PackageCPUs(ctx context.Context, pkg int) ([]int, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading CPU info: %w", err)
	}
	want := strconv.Itoa(pkg)

	var cpus []int
	for _, info := range infos {
		if info.PhysicalID == want {
			cpus = append(cpus, int(info.CPU))
		}
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("package %d has no CPUs", pkg)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// NUMANodes lists the online NUMA node numbers.
func NUMANodes() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(SysRoot, "devices/system/node/online"))
	if err != nil {
		return nil, fmt.Errorf("reading online NUMA nodes: %w", err)
	}
	return ParseCPUList(strings.TrimSpace(string(data)))
}

// ParseCPUList parses the kernel list format, e.g. "0-3,8,10-11".
// An empty string yields an empty list.
func ParseCPUList(list string) ([]int, error) {
	if list == "" {
		return nil, nil
	}

	var cpus []int
	for _, part := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", list, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", list, err)
			}
		}
		if last < first {
			return nil, fmt.Errorf("invalid cpu list %q: descending range", list)
		}
		for c := first; c <= last; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// ErrNoGPU is returned by GPUCount when NVML cannot be used.
var ErrNoGPU = errors.New("topology: NVML unavailable")

// GPUCount returns the number of NVIDIA GPUs visible through NVML.
func GPUCount() (int, error) {
	if ret := nvml.Init(); !errors.Is(ret, nvml.SUCCESS) {
		return 0, fmt.Errorf("%w: %s", ErrNoGPU, nvml.ErrorString(ret))
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if !errors.Is(ret, nvml.SUCCESS) {
		return 0, fmt.Errorf("counting GPUs: %s", nvml.ErrorString(ret))
	}
	return count, nil
}
