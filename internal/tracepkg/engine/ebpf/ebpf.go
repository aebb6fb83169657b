// Package ebpf implements the eBPF collection engine (spec.md §4.6): write a
// JSON runtime configuration, spawn a privileged worker that loads the
// assembled C program via cilium/ebpf, attach uprobe/uretprobe pairs for
// every function probe, run the target in the worker's foreground, and
// drain the perf buffer until the target exits and two consecutive polls
// complete quickly.
package ebpf

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/assemble"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/lock"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/optimize"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/parse"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/supervisor"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/watchdog"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var requiredTools = []string{"bpftool"}

// pollIdleFraction is the "under a quarter of the poll interval" drain
// stop condition from spec.md §4.6.
const pollIdleFraction = 4

// RuntimeConfig is the JSON configuration the worker reads on start
// (spec.md §4.6 "Writes a JSON runtime configuration").
type RuntimeConfig struct {
	Binary        string              `json:"binary"`
	Args          []string            `json:"args"`
	ProgramPath   string              `json:"program_path"`
	DataPath      string              `json:"data_path"`
	PollInterval  time.Duration       `json:"poll_interval_ns"`
	TimedSampling bool                `json:"timed_sampling"`
	DynProbing    bool                `json:"dyn_probing"`
	ProbeParams   optimize.Parameters `json:"probe_params"`
	Probes        []WorkerProbe       `json:"probes"`
}

// WorkerProbe is the minimal per-function-probe identity the worker needs
// to attach a uprobe/uretprobe pair: the symbol link.Uprobe resolves
// against the target binary, and the probe id the generated eBPF program
// keys its entry/exit sections by (assemble.EBPFProgram's
// "probe_enter_<ID>"/"probe_exit_<ID>" naming).
type WorkerProbe struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

type Engine struct {
	*engine.Base

	Binary        string
	Args          []string
	Workload      string
	Locks         *lock.Manager
	Log           *watchdog.Watchdog
	PID           int
	Timeout       time.Duration
	HasLimit      bool
	TimedSampling bool
	DynProbing    bool
	ProbeParams   optimize.Parameters

	child    *supervisor.Child
	toolLock *lock.Lock
}

func New(base *engine.Base, binary string, args []string, workload string, locks *lock.Manager, log *watchdog.Watchdog, pid int, timeout time.Duration, hasLimit bool) *Engine {
	return &Engine{Base: base, Binary: binary, Args: args, Workload: workload, Locks: locks, Log: log, PID: pid, Timeout: timeout, HasLimit: hasLimit}
}

func (e *Engine) CheckDependencies() error {
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("dependency missing: %s: %w", tool, err)
		}
	}
	return nil
}

// AvailableUSDT lists SDT notes embedded in each image via readelf, the
// userspace-visible equivalent of the kernel tool's listing mode.
func (e *Engine) AvailableUSDT(images []string) (map[string][]string, error) {
	out := make(map[string][]string, len(images))
	for _, img := range images {
		cmd := exec.Command("readelf", "-n", img)
		b, err := cmd.Output()
		if err != nil {
			out[img] = nil
			continue
		}
		out[img] = parseNoteNames(string(b))
	}
	return out, nil
}

func parseNoteNames(s string) []string {
	var names []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "Name:") {
			if idx := strings.Index(line, "Name:"); idx >= 0 {
				names = append(names, strings.TrimSpace(line[idx+len("Name:"):]))
			}
		}
	}
	return names
}

// AssembleCollectProgram renders the eBPF C source and the worker's JSON
// runtime configuration (spec.md §4.6, §4.7).
func (e *Engine) AssembleCollectProgram(ctx context.Context, ps *probes.Probes) error {
	programPath, err := e.Allocate(engine.RoleProgram)
	if err != nil {
		return err
	}
	src, err := assemble.EBPFProgram(ps, e.Binary, e.TimedSampling)
	if err != nil {
		return fmt.Errorf("assemble ebpf program: %w", err)
	}
	if err := os.WriteFile(programPath, []byte(src), 0o644); err != nil {
		return fmt.Errorf("write ebpf program: %w", err)
	}

	confPath, err := e.Allocate(engine.RoleRuntimeConf)
	if err != nil {
		return err
	}
	dataPath, err := e.Allocate(engine.RoleData)
	if err != nil {
		return err
	}

	workerProbes := make([]WorkerProbe, 0, len(ps.Func))
	for _, p := range ps.Func {
		workerProbes = append(workerProbes, WorkerProbe{Name: p.Name, ID: p.ID})
	}
	// Limitation, not a dropped feature: resolved USDT probes have no
	// attach path in this engine (the generated program only defines
	// uprobe/uretprobe sections, and the worker only ever opens uprobes
	// against cfg.Binary). Warn loudly rather than silently collecting
	// fewer events than orchestrator.go's probe-count log promised.
	if len(ps.USDT) > 0 {
		e.Log.Warn("ebpf engine cannot attach USDT probes, dropping them", "count", len(ps.USDT))
	}

	rc := RuntimeConfig{
		Binary:        e.Binary,
		Args:          e.Args,
		ProgramPath:   programPath,
		DataPath:      dataPath,
		PollInterval:  200 * time.Millisecond,
		TimedSampling: e.TimedSampling,
		DynProbing:    e.DynProbing,
		ProbeParams:   e.ProbeParams,
		Probes:        workerProbes,
	}
	b, err := fastJSON.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime config: %w", err)
	}
	if err := os.WriteFile(confPath, b, 0o644); err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	return nil
}

// workerEntrypoint is the subcommand the spawned privileged process runs;
// cmd/perun-trace wires this to an internal loader that reads RuntimeConfig,
// attaches probes via cilium/ebpf, and writes text records to
// RuntimeConfig.DataPath.
const workerEntrypoint = "internal-ebpf-worker"

// Collect launches the privileged worker and waits for the target under it
// to finish, honoring the configured timeout (spec.md §4.6).
func (e *Engine) Collect(ctx context.Context, ps *probes.Probes) error {
	toolLock, err := e.Locks.Acquire(lock.ToolProcess, e.Binary, e.PID)
	if err != nil {
		return fmt.Errorf("acquire tool lock: %w", err)
	}
	e.toolLock = toolLock

	logPath, err := e.Allocate(engine.RoleLog)
	if err != nil {
		return err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create worker log: %w", err)
	}
	defer logFile.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	child, err := supervisor.Start(ctx, self, []string{workerEntrypoint, "--config", e.Path(engine.RoleRuntimeConf)}, supervisor.Options{Privileged: true})
	if err != nil {
		return fmt.Errorf("start ebpf worker: %w", err)
	}
	e.child = child
	defer child.Close()

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = io.Copy(logFile, child.Stdout)
	}()

	var timeout *supervisor.Timeout
	if e.HasLimit {
		timeout = supervisor.StartTimeout(e.Timeout)
	}
	for !child.Exited() {
		if timeout != nil && timeout.Reached() {
			e.Log.Warn("timeout reached, terminating target", "timeout", e.Timeout)
			_ = child.Close()
			break
		}
		child.Wait(200 * time.Millisecond)
	}
	if timeout != nil {
		timeout.Stop()
	}
	for !child.Exited() {
		child.Wait(500 * time.Millisecond)
	}
	<-copyDone

	return e.drainUntilQuiet()
}

// drainUntilQuiet waits until two consecutive polls of the data file
// complete in under a quarter of the poll interval, meaning the worker has
// finished flushing its perf buffer (spec.md §4.6).
func (e *Engine) drainUntilQuiet() error {
	dataPath := e.Path(engine.RoleData)
	pollInterval := 200 * time.Millisecond
	fastThreshold := pollInterval / pollIdleFraction
	quiet := 0
	deadline := time.Now().Add(hardDrainTimeout)
	var lastSize int64

	for time.Now().Before(deadline) {
		start := time.Now()
		info, err := os.Stat(dataPath)
		elapsed := time.Since(start)
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		if size == lastSize && elapsed < fastThreshold {
			quiet++
			if quiet >= 2 {
				return nil
			}
		} else {
			quiet = 0
		}
		lastSize = size
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("ebpf drain did not settle within %s", hardDrainTimeout)
}

const hardDrainTimeout = 10 * time.Second

// Transform parses the worker's text output (spec.md §4.6 "Transform
// converts the worker's text output into resources") using the same
// compact-record grammar as the SystemTap engine.
func (e *Engine) Transform(ctx context.Context, ps *probes.Probes) (*profile.Profile, *parse.Context, error) {
	dataPath := e.Path(engine.RoleData)
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	resolver := parse.NewResolver(ps.NewResolver(), false)
	builder := profile.NewBuilder(ctx, e.Workload)
	chunker := profile.NewChunker(builder)

	pctx := parse.Parse(f, resolver, parse.Options{Workload: e.Workload}, chunker)
	prof := builder.Finish()
	return prof, pctx, nil
}

// Cleanup terminates the worker if still running and releases the tool
// lock; the worker owns unloading its own BPF links on exit.
func (e *Engine) Cleanup() error {
	if e.child != nil {
		if err := e.child.Close(); err != nil {
			e.Log.Warn("ebpf worker termination", "err", err)
		}
	}
	if e.toolLock != nil {
		_ = e.Locks.Release(e.toolLock)
	}
	return nil
}
