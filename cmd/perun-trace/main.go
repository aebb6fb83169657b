// Command perun-trace is the CLI entrypoint wiring the orchestrator's four
// phases to a single "collect trace" subcommand (spec.md §6). A second,
// hidden subcommand, internal-ebpf-worker, is the privileged process the
// eBPF engine re-execs itself as (see internal/tracepkg/engine/ebpf).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine/ebpf"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine/systemtap"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/lock"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/orchestrator"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/tconfig"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/temp"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/watchdog"
)

// cli is the top-level kong command tree.
type cli struct {
	Collect struct {
		Trace traceCmd `cmd:"" help:"Trace a target executable and produce a profile."`
	} `cmd:"" help:"Collection subcommands."`

	InternalEBPFWorker workerCmd `cmd:"" name:"internal-ebpf-worker" hidden:"" help:"Privileged eBPF worker, re-exec'd by the ebpf engine."`
}

// traceCmd mirrors spec.md §6's command contract table; its first twenty
// fields match tconfig.RawFlags' field names one-for-one, and rawFlags
// copies them into a RawFlags value for tconfig.Normalize to decode.
type traceCmd struct {
	Command       string   `arg:"" help:"Executable command line to profile."`
	Binary        string   `help:"Explicit path to the ELF image to instrument; defaults to the command's first token."`
	Libs          []string `help:"Additional images to extract probes from."`
	Strategy      string   `help:"One of userspace, all, userspace_sampled, all_sampled, custom." default:"userspace"`
	Func          []string `help:"Explicit function probes (name | lib#name | name#sample | lib#name#sample)."`
	FuncSampled   []string `name:"func-sampled" help:"name:sample overrides for function probes."`
	Static        []string `help:"Explicit USDT probes."`
	StaticSampled []string `name:"static-sampled" help:"name:sample overrides for USDT probes."`
	WithStatic    bool     `name:"with-static" help:"Include USDT extraction."`
	GlobalSample  int      `name:"global-sampling" default:"1" help:"Default sample step."`
	Timeout       int      `help:"Cap on target runtime in seconds; <=0 means none."`
	Engine        string   `help:"stap or ebpf." default:"stap"`
	Output        string   `name:"output-handling" help:"default, capture, or suppress." default:"default"`
	KeepTemps     bool     `name:"keep-temps" help:"Do not delete temp files after teardown."`
	ZipTemps      bool     `name:"zip-temps" help:"Archive surviving temp files and the log on teardown."`
	VerboseTrace  bool     `name:"verbose-trace" help:"Verbose mode for the SystemTap engine's generated script."`
	Quiet         bool     `help:"Suppress info-level stderr output."`
	Watchdog      bool     `default:"true" help:"Enable the debug-level file log sink."`
	Diagnostics   bool     `help:"Shorthand for zip-temps+verbose-trace+watchdog+capture."`
	Pipeline      string   `help:"none, basic, advanced, or full optimization preset." default:"none"`

	Root          string `help:"Repository root tmp/ and logs/ and stats/ are rooted under." default:"." type:"path"`
	MetricsAddr   string `name:"metrics-address" help:"If set, serve Prometheus metrics on this address for the run's duration."`
	TimedSampling bool   `name:"timed-sampling" help:"Enable the assembled program's periodic sampling window."`
	DynProbing    bool   `name:"dyn-probing" help:"Enable runtime re-attach based on the dynamic call graph."`
}

func (t *traceCmd) Run() error {
	now := time.Now()
	pid := os.Getpid()

	tmpRoot := filepath.Join(t.Root, "tmp")
	logRoot := filepath.Join(t.Root, "logs")
	statsRoot := filepath.Join(t.Root, "stats")

	cfg, err := tconfig.Normalize(rawFlags(t), tmpRoot, logRoot, pid, now.UnixNano())
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	store, err := temp.Open(cfg.FilesDir)
	if err != nil {
		return fmt.Errorf("temp store: %w", err)
	}

	procTable, err := lock.NewProcessTable()
	if err != nil {
		return fmt.Errorf("process table: %w", err)
	}
	locks := lock.NewManager(cfg.LocksDir, procTable)

	log, err := watchdog.StartSession(logRoot, cfg.Watchdog, pid, now, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}

	base := engine.NewBase(store, cfg.CollectTimestamp, pid)

	var eng engine.Engine
	switch cfg.Engine {
	case tconfig.EBPF:
		ee := ebpf.New(base, cfg.Binary, cfg.Args, cfg.Workload, locks, log, pid, cfg.Timeout, cfg.HasTimeout)
		ee.TimedSampling = t.TimedSampling
		ee.DynProbing = t.DynProbing
		eng = ee
	default:
		eng = systemtap.New(base, cfg.Binary, cfg.Workload, cfg.VerboseTrace, t.TimedSampling, locks, log, pid, cfg.Timeout, cfg.HasTimeout)
	}

	o := orchestrator.New(cfg, eng, base, store, locks, log, statsRoot, logRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(func() error {
		_, runErr := o.Run(ctx)
		return runErr
	}, func(error) {
		cancel()
	})

	if t.MetricsAddr != "" {
		ln, err := net.Listen("tcp", t.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(log.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux}
		g.Add(func() error {
			return srv.Serve(ln)
		}, func(error) {
			_ = ln.Close()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, os.Kill))

	return g.Run()
}

// rawFlags adapts the kong-populated traceCmd into the interface{} shape
// tconfig.Normalize decodes via mapstructure.
func rawFlags(t *traceCmd) tconfig.RawFlags {
	return tconfig.RawFlags{
		Command:       t.Command,
		Binary:        t.Binary,
		Libs:          t.Libs,
		Strategy:      t.Strategy,
		Func:          t.Func,
		FuncSampled:   t.FuncSampled,
		Static:        t.Static,
		StaticSampled: t.StaticSampled,
		WithStatic:    t.WithStatic,
		GlobalSample:  t.GlobalSample,
		Timeout:       t.Timeout,
		Engine:        t.Engine,
		Output:        t.Output,
		KeepTemps:     t.KeepTemps,
		ZipTemps:      t.ZipTemps,
		VerboseTrace:  t.VerboseTrace,
		Quiet:         t.Quiet,
		Watchdog:      t.Watchdog,
		Diagnostics:   t.Diagnostics,
		Pipeline:      t.Pipeline,
	}
}

func main() {
	var c cli
	parser := kong.Parse(&c,
		kong.Name("perun-trace"),
		kong.Description("Dynamic performance-tracing engine."),
		kong.UsageOnError(),
	)
	err := parser.Run()
	parser.FatalIfErrorf(err)
}
