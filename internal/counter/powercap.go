package counter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PowercapRoot is the sysfs directory holding RAPL zones.
var PowercapRoot = "/sys/class/powercap"

var (
	zoneDirPattern  = regexp.MustCompile(`^intel-rapl:(\d+)(?::(\d+))?$`)
	zoneNamePattern = regexp.MustCompile(`^powercap:::ENERGY_UJ:ZONE(\d+)(?:_SUBZONE(\d+))?$`)
)

type raplZone struct {
	dir     string
	zone    int
	subzone int // -1 for a top-level zone
	label   string
}

func (z raplZone) counterName() string {
	if z.subzone < 0 {
		return fmt.Sprintf("powercap:::ENERGY_UJ:ZONE%d", z.zone)
	}
	return fmt.Sprintf("powercap:::ENERGY_UJ:ZONE%d_SUBZONE%d", z.zone, z.subzone)
}

// PowercapBackend reads RAPL energy counters from the powercap sysfs
// interface. The counters are system-wide: attaching records the target
// but measurement still covers the whole zone.
type PowercapBackend struct {
	root string
}

// NewPowercapBackend creates a backend reading from PowercapRoot.
func NewPowercapBackend() *PowercapBackend {
	return &PowercapBackend{root: PowercapRoot}
}

func (b *PowercapBackend) Name() string { return "powercap" }

func (b *PowercapBackend) IsAvailable() bool {
	zones, err := b.zones()
	if err != nil || len(zones) == 0 {
		return false
	}
	_, err = readUint(filepath.Join(zones[0].dir, "energy_uj"))
	return err == nil
}

func (b *PowercapBackend) zones() ([]raplZone, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}

	var zones []raplZone
	for _, e := range entries {
		m := zoneDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		z := raplZone{dir: filepath.Join(b.root, e.Name()), subzone: -1}
		z.zone, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			z.subzone, _ = strconv.Atoi(m[2])
		}
		if label, err := os.ReadFile(filepath.Join(z.dir, "name")); err == nil {
			z.label = strings.TrimSpace(string(label))
		}
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool {
		if zones[i].zone != zones[j].zone {
			return zones[i].zone < zones[j].zone
		}
		return zones[i].subzone < zones[j].subzone
	})
	return zones, nil
}

func (b *PowercapBackend) Resolve(name string) (Info, bool) {
	m := zoneNamePattern.FindStringSubmatch(name)
	if m == nil {
		return Info{}, false
	}
	zones, err := b.zones()
	if err != nil {
		return Info{}, false
	}
	for _, z := range zones {
		if z.counterName() == name {
			return b.info(z), true
		}
	}
	return Info{}, false
}

func (b *PowercapBackend) info(z raplZone) Info {
	info := Info{
		Name:        z.counterName(),
		Description: z.label,
		Unit:        UnitMicrojoule,
		ZoneIndex:   z.zone,
	}
	if r, err := readUint(filepath.Join(z.dir, "max_energy_range_uj")); err == nil {
		info.Range = r
	}

	// Packages are identified by their "package-N" label; DRAM subzones
	// are attributed to the package they hang off.
	switch {
	case z.subzone < 0 && strings.HasPrefix(z.label, "package-"):
		info.Zone = ZonePackage
		if n, err := strconv.Atoi(strings.TrimPrefix(z.label, "package-")); err == nil {
			info.ZoneIndex = n
		}
	case z.subzone >= 0 && z.label == "dram":
		info.Zone = ZoneDRAM
	}
	return info
}

func (b *PowercapBackend) List() []string {
	zones, err := b.zones()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(zones))
	for _, z := range zones {
		names = append(names, z.counterName())
	}
	return names
}

// Zones returns the counters of every package zone and DRAM subzone,
// the default selection of the power agent.
func (b *PowercapBackend) Zones() []Info {
	zones, err := b.zones()
	if err != nil {
		return nil
	}
	var infos []Info
	for _, z := range zones {
		info := b.info(z)
		if info.Zone == ZonePackage || info.Zone == ZoneDRAM {
			infos = append(infos, info)
		}
	}
	return infos
}

func (b *PowercapBackend) Open(info Info, _ int) (Counter, error) {
	m := zoneNamePattern.FindStringSubmatch(info.Name)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrCounterNotFound, info.Name)
	}
	dir := "intel-rapl:" + m[1]
	if m[2] != "" {
		dir += ":" + m[2]
	}
	path := filepath.Join(b.root, dir, "energy_uj")
	if _, err := readUint(path); err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", ErrAttachDenied, err)
		}
		return nil, err
	}
	return &energyCounter{read: func() (uint64, error) { return readUint(path) }, rng: info.Range}, nil
}

// energyCounter adapts a free-running cumulative energy source. Reset
// moves the baseline instead of touching the hardware.
type energyCounter struct {
	read func() (uint64, error)
	rng  uint64
	base uint64
}

func (c *energyCounter) Start() error { return nil }
func (c *energyCounter) Stop() error  { return nil }

func (c *energyCounter) Reset() error {
	v, err := c.read()
	if err != nil {
		return err
	}
	c.base = v
	return nil
}

func (c *energyCounter) Read() (uint64, error) {
	v, err := c.read()
	if err != nil {
		return 0, err
	}
	return Info{Range: c.rng}.Delta(c.base, v), nil
}

func (c *energyCounter) Close() error { return nil }

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
