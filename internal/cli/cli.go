// Package cli is the command line shared by the agent binaries: flag
// parsing, configuration, logger setup and the mapping of run results
// to exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/agent"
	"github.com/Guliveer/nrmextra/internal/config"
	"github.com/Guliveer/nrmextra/internal/counter"
	"github.com/Guliveer/nrmextra/internal/logging"
	"github.com/Guliveer/nrmextra/internal/nrm"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Tool describes one agent binary.
type Tool struct {
	// Name is used in sensor and scope names, e.g. "perfwrapper".
	Name    string
	Binary  string
	Summary string

	DefaultFrequency float64
	Scopes           agent.ScopeStrategy

	// Backends returns the counter backends the tool can bind.
	Backends func(logger *zap.Logger) []counter.Backend
	// DefaultEvents picks counters when no -e flag is given.
	DefaultEvents func(reg *counter.Registry) []string
}

type options struct {
	events      []string
	frequency   float64
	verbose     int
	configPath  string
	list        bool
	version     bool
	printConfig bool
	help        bool
}

func (t Tool) flagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(t.Binary, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	fs.StringArrayVarP(&opts.events, "event", "e", nil, "counter to track (repeatable)")
	fs.Float64VarP(&opts.frequency, "frequency", "f", 0, fmt.Sprintf("sampling rate in Hz (default %g)", t.DefaultFrequency))
	fs.CountVarP(&opts.verbose, "verbose", "v", "log debug messages")
	fs.StringVar(&opts.configPath, "config", "", "path to configuration file")
	fs.BoolVar(&opts.list, "list", false, "list available counters and exit")
	fs.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	fs.BoolVar(&opts.version, "version", false, "show version and exit")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")
	return fs
}

func (t Tool) usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "%s: %s\n\nUsage:\n  %s [flags] [--] command [args...]\n\nFlags:\n%s",
		t.Binary, t.Summary, t.Binary, fs.FlagUsages())
}

// Main runs the tool with args (without the program name) and returns
// the process exit code. SIGINT and SIGTERM cancel the run; cleanup
// still completes before Main returns.
func (t Tool) Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts options
	fs := t.flagSet(&opts)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			t.usage(stderr, fs)
			return ExitOK
		}
		fmt.Fprintf(stderr, "%s: %v\n\n", t.Binary, err)
		t.usage(stderr, fs)
		return ExitFailure
	}
	if opts.help {
		t.usage(stderr, fs)
		return ExitOK
	}
	if opts.version {
		fmt.Fprintf(stdout, "%s %s\n", t.Binary, Version)
		return ExitOK
	}
	if fs.Changed("frequency") {
		if err := agent.CheckFrequency(opts.frequency); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", t.Binary, err)
			return ExitFailure
		}
	}

	overrides := config.CLIOverrides{Frequency: opts.frequency}
	if opts.verbose > 0 {
		overrides.LogLevel = "debug"
	}
	var cfg *config.Config
	var err error
	if fs.Changed("config") {
		cfg, err = config.LoadLayered(overrides, opts.configPath)
	} else {
		cfg, err = config.LoadLayered(overrides)
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: invalid configuration: %v\n", t.Binary, err)
		return ExitFailure
	}
	if opts.printConfig {
		if err := config.Write(cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", t.Binary, err)
			return ExitFailure
		}
		return ExitOK
	}

	logger, closeLog, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", t.Binary, err)
		return ExitFailure
	}
	defer closeLog()
	logger = logger.Named(t.Name)

	registry := counter.NewRegistry(logger)
	if t.Backends != nil {
		for _, b := range t.Backends(logger) {
			registry.Register(b)
		}
	}
	if opts.list {
		for _, name := range registry.Names() {
			_, info, err := registry.Lookup(name)
			if err != nil {
				continue
			}
			fmt.Fprintf(stdout, "%s\t%s\n", name, info.ReportUnit())
		}
		return ExitOK
	}

	events := opts.events
	if len(events) == 0 && t.DefaultEvents != nil {
		events = t.DefaultEvents(registry)
	}
	frequency := cfg.Sampling.Frequency
	if frequency == 0 {
		frequency = t.DefaultFrequency
	}
	plan := agent.Plan{
		Tool:      t.Name,
		Counters:  events,
		Scopes:    t.Scopes,
		Frequency: frequency,
		Command:   fs.Args(),
	}
	if err := plan.Validate(); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n\n", t.Binary, err)
		t.usage(stderr, fs)
		return ExitFailure
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("Received signal, stopping workload", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := agent.Run(ctx, t.deps(cfg, registry, logger), plan)
	return t.finish(logger, stderr, report, err)
}

func (t Tool) deps(cfg *config.Config, registry *counter.Registry, logger *zap.Logger) agent.Deps {
	upstream := nrm.Options{
		URI:     cfg.Upstream.URI,
		RPCPort: cfg.Upstream.RPCPort,
		PubPort: cfg.Upstream.PubPort,
		Timeout: cfg.Upstream.Timeout.Duration,
		Tool:    t.Name,
		Logger:  logger,
	}
	return agent.Deps{
		Logger: logger,
		Dial: func(ctx context.Context) (agent.Session, error) {
			return nrm.Dial(ctx, upstream)
		},
		NewCounters: func() (agent.Counters, error) {
			if len(registry.Backends()) == 0 {
				return nil, errors.New("no counter backend is available on this host")
			}
			return counter.New(counter.Options{Registry: registry, Logger: logger}), nil
		},
		Launch: agent.Launcher(logger),
	}
}

func (t Tool) finish(logger *zap.Logger, stderr io.Writer, report *agent.Report, err error) int {
	if report != nil && report.CleanupErr != nil {
		logger.Warn("Cleanup was incomplete", zap.Error(report.CleanupErr))
	}
	switch {
	case err == nil:
		logger.Info("Workload finished",
			zap.Int("exit_code", report.ExitCode),
			zap.Int("samples", report.Stats.Samples),
			zap.Int("scopes_created", report.ScopesCreated),
			zap.Int("scopes_adopted", report.ScopesAdopted),
			zap.Any("energy_joules", report.Energy))
		return ExitOK
	case errors.Is(err, agent.ErrInterrupted):
		logger.Warn("Run interrupted", zap.Bool("final_sample", report.FinalSent))
		return ExitFailure
	default:
		fmt.Fprintf(stderr, "%s: %v\n", t.Binary, err)
		return ExitFailure
	}
}
