// Package optimize implements the optimization layer (spec.md §4.11):
// diff-tracing, call-graph shaping, dynamic sampling, dynamic probing, and
// timed sampling, bundled into the tconfig.Pipeline presets and driven by a
// ParametersManager that infers unspecified parameters from the call graph.
package optimize

import (
	"math"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
)

// Parameters holds every knob the optimization methods consume. A zero
// value means "uninferred"; ParametersManager.Infer fills gaps from the
// call graph, and any field already set by the caller is left untouched.
type Parameters struct {
	KeepLeaf bool
	KeepTop  bool

	DiffMode CFGEquivalence

	CGShapingMaxLevel int
	CGShapingKeep     map[string]struct{}

	DynSampleStep      float64 // the "step" base in sample = round(step^depth)
	DynSampleThreshold int     // target call count; 0 means prune all but main
	DynSamplePlatformMax int

	DynProbeThreshold  int
	DynProbeBackoffBase float64

	TimedSamplingEnabled bool

	inferred bool
}

// ParametersManager infers unspecified Parameters from a call graph and the
// selected pipeline (spec.md §4.11 "reads parameters from a
// ParametersManager that infers unspecified parameters from the call graph
// (level count, branching at main) and a selected pipeline").
type ParametersManager struct {
	g *callgraph.CGR
}

func NewParametersManager(g *callgraph.CGR) *ParametersManager {
	return &ParametersManager{g: g}
}

// Infer fills every zero-valued field of p from the call graph, in the
// fixed sequence from spec.md §4.11: "general (keep-leaf, keep-top) →
// modes → CG-shaping → thresholds → probing". Any already-set field (a
// user override) is preserved.
func (pm *ParametersManager) Infer(p Parameters) Parameters {
	if p.inferred {
		return p
	}
	p.inferred = true

	// general
	if !p.KeepLeaf && !p.KeepTop {
		p.KeepLeaf = true
		p.KeepTop = true
	}

	// modes
	if p.DiffMode == EquivalenceUnset {
		p.DiffMode = Soft
	}

	// CG-shaping: default max level is the graph's depth, branching at
	// main informs how aggressively to trim (more branches => keep fewer
	// levels to bound output size).
	if p.CGShapingMaxLevel == 0 {
		branching := 0
		if n, ok := pm.g.Nodes["main"]; ok {
			branching = len(n.Callees)
		}
		depth := pm.g.Depth
		if branching > 4 && depth > 2 {
			depth--
		}
		p.CGShapingMaxLevel = depth
	}

	// thresholds
	if p.DynSampleStep == 0 {
		p.DynSampleStep = 1.5
	}
	if p.DynSamplePlatformMax == 0 {
		p.DynSamplePlatformMax = 1 << 16
	}

	// probing
	if p.DynProbeThreshold == 0 {
		p.DynProbeThreshold = 100000
	}
	if p.DynProbeBackoffBase == 0 {
		p.DynProbeBackoffBase = 2.0
	}

	return p
}

// SampleForDepth computes the default dynamic-sample value for a given
// call-graph depth: round(step^depth), clamped to the platform max
// (spec.md §4.11 "Dynamic Sampling").
func SampleForDepth(p Parameters, depth int) int {
	v := math.Round(math.Pow(p.DynSampleStep, float64(depth)))
	if v < 1 {
		v = 1
	}
	if int(v) > p.DynSamplePlatformMax {
		return p.DynSamplePlatformMax
	}
	return int(v)
}
