// Package probes implements the probe configuration model: function/USDT
// probe records, parsing of user specs, strategy-driven extraction from
// target binaries, and deterministic identifier assignment (spec.md §3, §4.5).
package probes

import (
	"fmt"
	"sort"
)

// Type distinguishes a function probe from a USDT probe.
type Type int

const (
	Func Type = iota
	USDT
)

func (t Type) String() string {
	if t == Func {
		return "func"
	}
	return "usdt"
}

// Probe is a single instrumentation point. See spec.md §3 for field
// semantics and invariants.
type Probe struct {
	Name           string
	Type           Type
	Pair           string // == Name unless a paired USDT
	Lib            string
	Sample         int
	SampleIndex    int
	HasSampleIndex bool
	ID             int
	HasID          bool
}

func (p *Probe) IsPaired() bool { return p.Pair != p.Name }

// Validate checks the per-probe invariants from spec.md §3.
func (p *Probe) Validate() error {
	if p.Sample < 1 {
		return fmt.Errorf("probe %q: sample must be >= 1, got %d", p.Name, p.Sample)
	}
	if p.HasSampleIndex && p.Sample <= 1 {
		return fmt.Errorf("probe %q: sample_index set but sample=%d", p.Name, p.Sample)
	}
	if !p.HasSampleIndex && p.Sample > 1 {
		return fmt.Errorf("probe %q: sample=%d but sample_index unset", p.Name, p.Sample)
	}
	return nil
}

// Strategy selects how probes are discovered from the target binary.
type Strategy int

const (
	Userspace Strategy = iota
	All
	UserspaceSampled
	AllSampled
	Custom
)

func (s Strategy) String() string {
	switch s {
	case Userspace:
		return "userspace"
	case All:
		return "all"
	case UserspaceSampled:
		return "userspace_sampled"
	case AllSampled:
		return "all_sampled"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

func (s Strategy) Sampled() bool { return s == UserspaceSampled || s == AllSampled }

// ParseStrategy parses a strategy name and reports whether it is known.
func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "userspace":
		return Userspace, true
	case "all":
		return All, true
	case "userspace_sampled":
		return UserspaceSampled, true
	case "all_sampled":
		return AllSampled, true
	case "custom":
		return Custom, true
	default:
		return Custom, false
	}
}

// defaultSampledGlobalSampling is the strategy-specific fallback applied
// when a sampled strategy is selected with global_sampling left at 1
// (spec.md §3 "Probes container").
const defaultSampledGlobalSampling = 4

// Probes is the container described in spec.md §3.
type Probes struct {
	Func         map[string]*Probe
	USDT         map[string]*Probe
	UserFunc     map[string]*Probe
	USDTReversed map[string]string // pair -> name inverse index

	Strategy       Strategy
	GlobalSampling int

	SampledFunc map[string]struct{}
	SampledUSDT map[string]struct{}

	idsAssigned bool
}

// New constructs an empty container for the given strategy, applying the
// strategy-specific global_sampling default described in §3.
func New(strategy Strategy, globalSampling int) *Probes {
	if globalSampling < 1 {
		globalSampling = 1
	}
	if strategy.Sampled() && globalSampling == 1 {
		globalSampling = defaultSampledGlobalSampling
	}
	return &Probes{
		Func:           make(map[string]*Probe),
		USDT:           make(map[string]*Probe),
		UserFunc:       make(map[string]*Probe),
		USDTReversed:   make(map[string]string),
		Strategy:       strategy,
		GlobalSampling: globalSampling,
		SampledFunc:    make(map[string]struct{}),
		SampledUSDT:    make(map[string]struct{}),
	}
}

// AddFunc inserts or overwrites a function probe. User-supplied probes are
// expected to call this after strategy extraction so they win on collision
// (spec.md §4.5).
func (p *Probes) AddFunc(pr *Probe, userSupplied bool) {
	pr.Type = Func
	pr.Pair = pr.Name
	p.Func[pr.Name] = pr
	if userSupplied {
		p.UserFunc[pr.Name] = pr
	}
}

// AddUSDT inserts a USDT probe. A probe whose Pair names another probe is
// also entered in USDTReversed in both directions.
func (p *Probes) AddUSDT(pr *Probe) {
	pr.Type = USDT
	if pr.Pair == "" {
		pr.Pair = pr.Name
	}
	p.USDT[pr.Name] = pr
	if pr.Pair != pr.Name {
		p.USDTReversed[pr.Pair] = pr.Name
		p.USDTReversed[pr.Name] = pr.Pair
	}
}

// PairUSDT links two USDT probes as an entry/exit pair, taking the minimum
// sample of the two sides per spec.md §4.5.
func (p *Probes) PairUSDT(entry, exit *Probe) {
	sample := entry.Sample
	if exit.Sample < sample {
		sample = exit.Sample
	}
	entry.Sample, exit.Sample = sample, sample
	entry.Type, exit.Type = USDT, USDT
	entry.Pair, exit.Pair = exit.Name, entry.Name
	p.USDT[entry.Name] = entry
	p.USDT[exit.Name] = exit
	p.USDTReversed[entry.Name] = exit.Name
	p.USDTReversed[exit.Name] = entry.Name
}

// Empty reports whether the resulting probe set, after filtering, is empty --
// a fatal configuration error per spec.md §4.5.
func (p *Probes) Empty() bool { return len(p.Func) == 0 && len(p.USDT) == 0 }

// AddProbeIDs assigns dense ids starting at 0, iterating Func then USDT, each
// in name-sorted order (spec.md §4.5, Testable Property 1 and 10). It also
// rebuilds SampledFunc/SampledUSDT and assigns dense SampleIndex values to
// every probe with Sample > 1. Must be called exactly once; subsequent calls
// are no-ops to honor the "Probes are immutable after this point" lifecycle
// rule in spec.md §3.
func (p *Probes) AddProbeIDs() {
	if p.idsAssigned {
		return
	}
	p.idsAssigned = true

	nextID := 0
	nextSampleIdx := 0

	assign := func(names []string, table map[string]*Probe, sampled map[string]struct{}) {
		sort.Strings(names)
		for _, name := range names {
			pr := table[name]
			pr.ID = nextID
			pr.HasID = true
			nextID++
			if pr.Sample > 1 {
				pr.SampleIndex = nextSampleIdx
				pr.HasSampleIndex = true
				nextSampleIdx++
				sampled[name] = struct{}{}
			}
		}
	}

	assign(sortedKeys(p.Func), p.Func, p.SampledFunc)
	assign(sortedKeys(p.USDT), p.USDT, p.SampledUSDT)
}

func sortedKeys(m map[string]*Probe) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of probes, N = |func| + |usdt|.
func (p *Probes) Count() int { return len(p.Func) + len(p.USDT) }

// All returns every probe, func first then usdt, both name-sorted -- the
// same order used for id assignment, handy for assemblers and tests.
func (p *Probes) All() []*Probe {
	out := make([]*Probe, 0, p.Count())
	for _, name := range sortedKeys(p.Func) {
		out = append(out, p.Func[name])
	}
	for _, name := range sortedKeys(p.USDT) {
		out = append(out, p.USDT[name])
	}
	return out
}
