// Package main is the entry point for nrm-power. It runs a command and
// reports the power drawn by CPU packages, DRAM and GPUs to the NRM
// daemon, each against the scope of the hardware it measures.
package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/agent"
	"github.com/Guliveer/nrmextra/internal/cli"
	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/supervisor"
)

var tool = cli.Tool{
	Name:             "power",
	Binary:           "nrm-power",
	Summary:          "report package, DRAM and GPU power to NRM while a command runs",
	DefaultFrequency: 1,
	Scopes:           agent.ScopePerCounter,
	Backends: func(*zap.Logger) []counter.Backend {
		return []counter.Backend{counter.NewPowercapBackend(), counter.NewNVMLBackend()}
	},
	DefaultEvents: zoneCounters,
}

// zoneCounters selects every energy zone the available backends expose.
func zoneCounters(reg *counter.Registry) []string {
	var names []string
	for _, b := range reg.Backends() {
		z, ok := b.(interface{ Zones() []counter.Info })
		if !ok {
			continue
		}
		for _, info := range z.Zones() {
			names = append(names, info.Name)
		}
	}
	return names
}

func main() {
	if supervisor.IsChild() {
		supervisor.ChildMain()
	}
	os.Exit(tool.Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
