// Package orchestrator implements the four-phase collection driver (spec.md
// §4.12): Pre validates configuration and builds the probe set, Collect runs
// strategy extraction, optimization, and the engine's collection sequence,
// Post folds the engine's raw output into a Profile and updates the
// persisted call graph, and Teardown is a best-effort cleanup that always
// runs regardless of which earlier phase failed.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/lock"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/optimize"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/parse"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/tconfig"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/temp"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/watchdog"
)

// Orchestrator owns one collection run's phase sequence and the resources
// acquired along the way (spec.md §4.12, §5 "shared resources").
type Orchestrator struct {
	Config   *tconfig.Configuration
	Engine   engine.Engine
	Base     *engine.Base
	Store    *temp.Store
	Locks    *lock.Manager
	Log      *watchdog.Watchdog
	StatsDir string
	LogDir   string

	ps         *probes.Probes
	binaryLock *lock.Lock
}

func New(cfg *tconfig.Configuration, eng engine.Engine, base *engine.Base, store *temp.Store, locks *lock.Manager, log *watchdog.Watchdog, statsDir, logDir string) *Orchestrator {
	return &Orchestrator{Config: cfg, Engine: eng, Base: base, Store: store, Locks: locks, Log: log, StatsDir: statsDir, LogDir: logDir}
}

// Run drives all four phases and guarantees Teardown runs on every exit
// path (spec.md §4.12 "Failure semantics").
func (o *Orchestrator) Run(ctx context.Context) (*profile.Profile, error) {
	if err := o.pre(); err != nil {
		o.teardown()
		return nil, fmt.Errorf("pre: %w", err)
	}

	if err := o.collect(ctx); err != nil {
		o.teardown()
		return nil, fmt.Errorf("collect: %w", err)
	}

	prof, postErr := o.post(ctx)
	tdErr := o.teardown()
	if postErr != nil {
		return nil, fmt.Errorf("post: %w", postErr)
	}
	if tdErr != nil {
		o.Log.Warn("teardown reported an error", "err", tdErr)
	}
	return prof, nil
}

// pre validates configuration (already resolved by tconfig.Normalize),
// touches the temp directories (already created by temp.Open / lock.Manager
// on first use), and constructs the Probes container (spec.md §4.12 "Pre").
func (o *Orchestrator) pre() error {
	o.Log.Header("pre: " + o.Config.Binary)
	if o.Config.Binary == "" {
		return fmt.Errorf("configuration invalid: no resolved binary")
	}
	o.ps = probes.New(o.Config.Strategy, o.Config.GlobalSampling)
	return nil
}

// collect checks dependencies, acquires the binary lock, runs strategy
// extraction and user-probe merging, applies the configured optimization
// pipeline against the persisted call graph, then hands the finished Probes
// to the engine to assemble and run (spec.md §4.12 "Collect").
func (o *Orchestrator) collect(ctx context.Context) error {
	o.Log.Header("collect")
	cfg := o.Config

	if err := o.Engine.CheckDependencies(); err != nil {
		return fmt.Errorf("dependency missing: %w", err)
	}

	binLock, err := o.Locks.Acquire(lock.Binary, cfg.Binary, cfg.PID)
	if err != nil {
		return fmt.Errorf("acquire binary lock: %w", err)
	}
	o.binaryLock = binLock

	if err := o.extractProbes(); err != nil {
		return fmt.Errorf("probe extraction: %w", err)
	}
	o.mergeUserProbes()
	o.applyOptimizations()

	o.ps.AddProbeIDs()
	if o.ps.Empty() {
		return fmt.Errorf("probe set is empty after extraction and optimization")
	}
	if err := o.Engine.AssembleCollectProgram(ctx, o.ps); err != nil {
		return fmt.Errorf("assemble collection program: %w", err)
	}
	o.Log.LogProbes(len(o.ps.Func), len(o.ps.USDT), cfg.Binary)
	if err := o.Engine.Collect(ctx, o.ps); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	return nil
}

// extractProbes runs the strategy-driven discovery pass over the binary and
// its libraries, pairing static USDT notes via the engine's own lister
// (spec.md §4.5).
func (o *Orchestrator) extractProbes() error {
	cfg := o.Config
	images := append([]string{cfg.Binary}, cfg.Libs...)

	var listed map[string][]string
	if cfg.WithStatic {
		var err error
		listed, err = o.Engine.AvailableUSDT(images)
		if err != nil {
			return fmt.Errorf("enumerate usdt: %w", err)
		}
	}

	extractor := &probes.Extractor{
		Binary: cfg.Binary,
		Libs:   cfg.Libs,
		USDTLister: func(image string) ([]string, error) {
			return listed[image], nil
		},
	}

	funcs, usdt, err := extractor.Extract(cfg.Strategy, cfg.WithStatic, cfg.GlobalSampling)
	if err != nil {
		return err
	}
	for _, p := range funcs {
		o.ps.AddFunc(p, false)
	}
	for _, p := range usdt {
		o.ps.AddUSDT(p)
	}
	return nil
}

// mergeUserProbes applies the user-supplied spec strings and sampled
// overrides on top of strategy extraction, winning on any name collision
// (spec.md §4.5).
func (o *Orchestrator) mergeUserProbes() {
	cfg := o.Config

	for _, p := range probes.ParseSpecs(cfg.Func, cfg.Binary, cfg.GlobalSampling) {
		o.ps.AddFunc(p, true)
	}
	for _, p := range probes.ParseSpecs(cfg.Static, cfg.Binary, cfg.GlobalSampling) {
		o.ps.AddUSDT(p)
	}

	for name, sample := range cfg.FuncSampled {
		if p, ok := o.ps.Func[name]; ok {
			p.Sample = sample
			continue
		}
		o.ps.AddFunc(&probes.Probe{Name: name, Lib: cfg.Binary, Sample: sample}, true)
	}
	for name, sample := range cfg.StaticSampled {
		if p, ok := o.ps.USDT[name]; ok {
			p.Sample = sample
			continue
		}
		o.Log.Warn("static_sampled override names an unknown probe, ignoring", "name", name)
	}
}

// applyOptimizations runs the configured pipeline's methods (spec.md §4.11)
// against the call graph persisted from the previous run on this binary, if
// any, folding any resulting pruning/sampling decision back onto the
// matching probes. With no persisted graph yet (first run on this binary)
// the configured pipeline has nothing to shape against, so probes pass
// through unchanged -- the graph only exists once Post has run at least
// once.
func (o *Orchestrator) applyOptimizations() {
	methods := o.Config.Pipeline.Methods()
	if methods == (tconfig.Methods{}) {
		return
	}

	inScope := make(map[string]struct{}, len(o.ps.Func))
	for name := range o.ps.Func {
		inScope[name] = struct{}{}
	}

	oldG, dynStats, ok := loadCGR(cgrPath(o.StatsDir, o.Config.Binary))
	if !ok {
		o.Log.Debug("no persisted call graph for this binary yet, skipping optimization pass")
		return
	}

	g := restrictToScope(oldG, inScope)

	if methods.DiffTracing {
		target := callgraph.FromStatic(map[string][]string{}, inScope, cgrMinor)
		diff := optimize.Diff(g, target, optimize.Soft, false)
		o.Log.Debug("diff-tracing", "new", len(diff.New), "renamed", len(diff.Renamed), "deleted", len(diff.Deleted))
	}

	pm := optimize.NewParametersManager(g)
	params := pm.Infer(optimize.Parameters{})

	if methods.CGShaping {
		g = optimize.Shape(g, params)
	}
	if methods.BaselineStatic {
		g = optimize.BaselineStatic(g, params)
	}
	if methods.BaselineDynamic {
		dyn := optimize.DynStats{}
		if methods.DynamicSampling {
			for k, v := range dynStats {
				dyn[k] = v
			}
		}
		g = optimize.BaselineDynamic(g, params, dyn)
	}

	for name, p := range o.ps.Func {
		n, ok := g.Nodes[name]
		if !ok || n.Filtered {
			delete(o.ps.Func, name)
			continue
		}
		if n.Sample > 0 {
			p.Sample = n.Sample
		}
	}
}

// restrictToScope drops graph nodes the current probe set no longer covers,
// so a stale persisted graph never reintroduces a probe the user removed.
func restrictToScope(g *callgraph.CGR, inScope map[string]struct{}) *callgraph.CGR {
	var stale []string
	for name := range g.Nodes {
		if _, ok := inScope[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return g
	}
	return g.RemoveOrFilter(stale, callgraph.Remove)
}

// post folds the engine's collected data into a Profile and updates the
// persisted call graph with this run's dynamic edges and observed call
// counts (spec.md §4.12 "Post", §4.10, §4.11).
func (o *Orchestrator) post(ctx context.Context) (*profile.Profile, error) {
	o.Log.Header("post")
	prof, pctx, err := o.Engine.Transform(ctx, o.ps)
	if err != nil {
		return nil, err
	}
	if pctx.Metrics.AbruptTermination {
		o.Log.Warn("trace ended without a PROCESS_END sentinel", "corrupt", pctx.Metrics.CorruptCount)
	} else if pctx.Metrics.CorruptCount > 0 {
		o.Log.Warn("malformed records skipped", "count", pctx.Metrics.CorruptCount)
	}

	if open := pctx.OpenThreadTIDs(); len(open) > 0 {
		o.Log.Debug("threads still open at end of trace", "tids", open)
	}

	o.updateCallGraph(prof, pctx)
	return prof, nil
}

// updateCallGraph merges this run's dynamically-observed edges into the
// call graph persisted from the previous run (or a fresh static skeleton on
// first run), recomputes observed-call-count DynStats from the folded
// Profile, and writes both back for the next invocation to read in
// applyOptimizations (spec.md §4.10 "add_dyn", §3 "persisted between runs").
func (o *Orchestrator) updateCallGraph(prof *profile.Profile, pctx *parse.Context) {
	inScope := make(map[string]struct{}, len(o.ps.Func))
	for name := range o.ps.Func {
		inScope[name] = struct{}{}
	}

	path := cgrPath(o.StatsDir, o.Config.Binary)
	base, dynStats, ok := loadCGR(path)
	if !ok {
		base = callgraph.FromStatic(map[string][]string{}, inScope, cgrMinor)
		dynStats = make(map[string]int)
	} else {
		base = restrictToScope(base, inScope)
	}

	merged := callgraph.AddDyn(pctx.DynCG, base, base.CFGs)

	for _, r := range prof.Resources {
		if r.UID == profile.ThreadResourceUID || r.UID == profile.ProcessResourceUID {
			continue
		}
		dynStats[r.UID]++
	}

	if err := saveCGR(path, merged, dynStats); err != nil {
		o.Log.Warn("persist call graph", "err", err)
	}
}

func (o *Orchestrator) teardown() error {
	o.Log.Header("teardown")
	cfg := o.Config
	var firstErr error

	if err := o.Engine.Cleanup(); err != nil {
		firstErr = err
		o.Log.Warn("engine cleanup", "err", err)
	}
	if o.binaryLock != nil {
		_ = o.Locks.Release(o.binaryLock)
	}

	if cfg.ZipTemps {
		archivePath := filepath.Join(o.LogDir, "trace", fmt.Sprintf("collect_files_%d_%d.tar.gz", cfg.CollectTimestamp, cfg.PID))
		if err := o.Base.Finalize(archivePath, tarGzArchiver, cfg.KeepTemps); err != nil {
			o.Log.Warn("finalize temp archive", "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	logArchive := filepath.Join(o.LogDir, "trace", fmt.Sprintf("trace_log_%d_%d.tar.gz", cfg.CollectTimestamp, cfg.PID))
	var archiver func(path string) error
	if cfg.ZipTemps {
		archiver = archiveLogFile(logArchive)
	}
	if err := o.Log.EndSession(archiver); err != nil {
		firstErr = err
	}

	return firstErr
}
