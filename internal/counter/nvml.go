package counter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/Guliveer/nrmextra/internal/topology"
)

var gpuNamePattern = regexp.MustCompile(`^nvml:::ENERGY_MJ:GPU(\d+)$`)

// NVMLBackend reads cumulative GPU energy through NVML. Like powercap
// it measures whole devices.
type NVMLBackend struct{}

// NewNVMLBackend creates the NVML backend.
func NewNVMLBackend() *NVMLBackend {
	return &NVMLBackend{}
}

func (b *NVMLBackend) Name() string { return "nvml" }

func (b *NVMLBackend) IsAvailable() bool {
	return b.deviceCount() > 0
}

func (b *NVMLBackend) deviceCount() int {
	count, err := topology.GPUCount()
	if err != nil {
		return 0
	}
	return count
}

func gpuCounterName(i int) string {
	return fmt.Sprintf("nvml:::ENERGY_MJ:GPU%d", i)
}

func (b *NVMLBackend) Resolve(name string) (Info, bool) {
	m := gpuNamePattern.FindStringSubmatch(name)
	if m == nil {
		return Info{}, false
	}
	index, _ := strconv.Atoi(m[1])
	if index >= b.deviceCount() {
		return Info{}, false
	}
	return gpuInfo(index), true
}

func gpuInfo(index int) Info {
	return Info{
		Name:        gpuCounterName(index),
		Description: fmt.Sprintf("GPU %d total energy", index),
		Unit:        UnitMillijoule,
		Zone:        ZoneGPU,
		ZoneIndex:   index,
	}
}

func (b *NVMLBackend) List() []string {
	count := b.deviceCount()
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		names = append(names, gpuCounterName(i))
	}
	return names
}

// Zones returns one energy counter per GPU.
func (b *NVMLBackend) Zones() []Info {
	count := b.deviceCount()
	infos := make([]Info, 0, count)
	for i := 0; i < count; i++ {
		infos = append(infos, gpuInfo(i))
	}
	return infos
}

// Open keeps NVML initialized until the counter is closed.
func (b *NVMLBackend) Open(info Info, _ int) (Counter, error) {
	if info.Zone != ZoneGPU {
		return nil, fmt.Errorf("%w: %q", ErrCounterNotFound, info.Name)
	}
	if ret := nvml.Init(); !errors.Is(ret, nvml.SUCCESS) {
		return nil, fmt.Errorf("initializing NVML: %s", nvml.ErrorString(ret))
	}
	device, ret := nvml.DeviceGetHandleByIndex(info.ZoneIndex)
	if !errors.Is(ret, nvml.SUCCESS) {
		nvml.Shutdown()
		if errors.Is(ret, nvml.ERROR_NO_PERMISSION) {
			return nil, fmt.Errorf("%w: GPU %d", ErrAttachDenied, info.ZoneIndex)
		}
		return nil, fmt.Errorf("opening GPU %d: %s", info.ZoneIndex, nvml.ErrorString(ret))
	}

	read := func() (uint64, error) {
		energy, ret := device.GetTotalEnergyConsumption()
		if !errors.Is(ret, nvml.SUCCESS) {
			return 0, fmt.Errorf("reading GPU %d energy: %s", info.ZoneIndex, nvml.ErrorString(ret))
		}
		return energy, nil
	}
	return &nvmlCounter{energyCounter: energyCounter{read: read}}, nil
}

type nvmlCounter struct {
	energyCounter
	closed bool
}

func (c *nvmlCounter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if ret := nvml.Shutdown(); !errors.Is(ret, nvml.SUCCESS) {
		return fmt.Errorf("shutting down NVML: %s", nvml.ErrorString(ret))
	}
	return nil
}
