// Package main is the entry point for nrm-perfwrapper. It runs a command
// under hardware performance counters and reports their values to the
// NRM daemon until the command exits.
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
	Name:             "perfwrapper",
	Binary:           "nrm-perfwrapper",
	Summary:          "report hardware counters of a command to NRM",
	DefaultFrequency: 10,
	Scopes:           agent.ScopeAllowed,
	Backends: func(*zap.Logger) []counter.Backend {
		return []counter.Backend{counter.NewPerfBackend()}
	},
	DefaultEvents: func(*counter.Registry) []string {
		return []string{"PAPI_TOT_INS"}
	},
}

func main() {
	// The supervisor re-executes this binary to hold the workload at
	// the handshake.
	if supervisor.IsChild() {
		supervisor.ChildMain()
	}
	os.Exit(tool.Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
