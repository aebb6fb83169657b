// Package assemble renders the instrumentation programs a collection engine
// hands to its tool: a SystemTap script or an eBPF C program (spec.md §4.7).
// Both are generated from text/template, following the grouped-probe shape
// the original Python implementation's script_compact.py/script.py built by
// hand.
package assemble

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
)

// maxThreadsFloor is the minimum size given to the per-(tid,name) sampling
// tables when no sampled probes are present, keeping the generated arrays
// non-empty (stap rejects zero-sized global arrays).
const maxThreadsFloor = 16

// templateData is the shared view handed to both assemblers.
type templateData struct {
	Verbose       bool
	TimedSampling bool
	Binary        string
	IDOf          map[string]int
	Funcs         []*probes.Probe
	USDTs         []*probes.Probe
	SampledFunc   []*probes.Probe
	SampledUSDT   []*probes.Probe
	SingleUSDT    []*probes.Probe
	MaxThreads    int
}

func buildData(ps *probes.Probes, verbose bool, binary string) templateData {
	funcs := sortedProbes(ps.Func)
	usdts := sortedProbes(ps.USDT)

	var sampledFunc, sampledUSDT, single []*probes.Probe
	for _, p := range funcs {
		if p.Sample > 1 {
			sampledFunc = append(sampledFunc, p)
		}
	}
	for _, p := range usdts {
		if p.Sample > 1 {
			sampledUSDT = append(sampledUSDT, p)
		}
		if !p.IsPaired() {
			single = append(single, p)
		}
	}

	ids := make(map[string]int, ps.Count())
	for _, p := range ps.All() {
		ids[p.Name] = p.ID
	}

	sampled := len(sampledFunc) + len(sampledUSDT)
	maxThreads := sampled * 64
	if maxThreads < maxThreadsFloor {
		maxThreads = maxThreadsFloor
	}

	return templateData{
		Verbose:     verbose,
		Binary:      binary,
		IDOf:        ids,
		Funcs:       funcs,
		USDTs:       usdts,
		SampledFunc: sampledFunc,
		SampledUSDT: sampledUSDT,
		SingleUSDT:  single,
		MaxThreads:  maxThreads,
	}
}

func sortedProbes(m map[string]*probes.Probe) []*probes.Probe {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*probes.Probe, 0, len(names))
	for _, n := range names {
		out = append(out, m[n])
	}
	return out
}

var funcMap = template.FuncMap{
	"id": func(ids map[string]int, name string) int { return ids[name] },
}

// SystemTapScript renders the global arrays, process/thread probes, the
// optional timed-sampling timer, and the grouped entry/exit probes for
// func and USDT instrumentation (spec.md §4.7).
func SystemTapScript(ps *probes.Probes, binary string, verbose, timedSampling bool) (string, error) {
	data := buildData(ps, verbose, binary)
	data.TimedSampling = timedSampling
	t, err := template.New("stap").Funcs(funcMap).Parse(stapTemplate)
	if err != nil {
		return "", fmt.Errorf("assemble: parse systemtap template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("assemble: render systemtap script: %w", err)
	}
	return buf.String(), nil
}

// EBPFProgram renders the structurally analogous eBPF C program: entry
// probes write a timestamp keyed by (tid, probe id) into a hash map and
// submit a begin record, exit probes that find that entry delete it and
// submit an end record, both to a perf event array (spec.md §4.7).
func EBPFProgram(ps *probes.Probes, binary string, timedSampling bool) (string, error) {
	data := buildData(ps, false, binary)
	data.TimedSampling = timedSampling
	t, err := template.New("ebpf").Funcs(funcMap).Parse(ebpfTemplate)
	if err != nil {
		return "", fmt.Errorf("assemble: parse ebpf template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("assemble: render ebpf program: %w", err)
	}
	return buf.String(), nil
}
