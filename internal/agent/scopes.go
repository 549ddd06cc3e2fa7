package agent

import (
	"context"
	"fmt"
	"slices"

	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/models"
	"github.com/Guliveer/nrmextra/internal/naming"
	"github.com/Guliveer/nrmextra/internal/scope"
	"github.com/Guliveer/nrmextra/internal/topology"
)

// ZoneScope maps a counter to the resources its zone covers: a package
// to that package's CPUs, DRAM to the NUMA node of the same index (which
// must be online) and a GPU to itself. Counters that follow a process
// get the allowed CPU scope.
func ZoneScope(ctx context.Context, tool string, info counter.Info) (models.Scope, error) {
	prefix := "nrm." + tool
	switch info.Zone {
	case counter.ZonePackage:
		return scope.Package(ctx, naming.Indexed(prefix, "cpu", info.ZoneIndex), info.ZoneIndex)
	case counter.ZoneDRAM:
		nodes, err := topology.NUMANodes()
		if err != nil {
			return models.Scope{}, err
		}
		if !slices.Contains(nodes, info.ZoneIndex) {
			return models.Scope{}, fmt.Errorf("DRAM zone %d has no online NUMA node", info.ZoneIndex)
		}
		return scope.NUMA(naming.Indexed(prefix, "numa", info.ZoneIndex), info.ZoneIndex), nil
	case counter.ZoneGPU:
		return scope.GPU(naming.Indexed(prefix, "gpu", info.ZoneIndex), info.ZoneIndex), nil
	case counter.ZoneNone:
		return scope.Allowed(naming.Name("nrm.extra." + tool))
	default:
		return models.Scope{}, fmt.Errorf("no scope for zone %s", info.Zone)
	}
}
