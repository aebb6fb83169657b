package optimize

import (
	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
)

// DynStats is the prior run's per-function call-count observation, fed in
// by the orchestrator from a persisted CGR (spec.md §3 "CGR is persisted
// between runs").
type DynStats map[string]int // function name -> observed call count

// complexityMultiplier implements spec.md §4.11 "scale by the function's
// estimated complexity (constant x2, linear x1.5)".
func complexityMultiplier(c callgraph.Complexity) float64 {
	switch c {
	case callgraph.ComplexityConstant:
		return 2.0
	case callgraph.ComplexityLinear:
		return 1.5
	default:
		return 1.0
	}
}

// BaselineDynamic (spec.md §4.11 "Dynamic Sampling") assigns each node a
// default sample = round(step^depth); when dyn carries an observed call
// count for the function, bias toward p.DynSampleThreshold with a +-10%
// tolerance; otherwise scale by estimated complexity. If
// p.DynSampleThreshold == 0, prune every function except "main".
func BaselineDynamic(g *callgraph.CGR, p Parameters, dyn DynStats) *callgraph.CGR {
	if p.DynSampleThreshold == 0 {
		var victims []string
		for name := range g.Nodes {
			if name != "main" {
				victims = append(victims, name)
			}
		}
		return pruneRespectingDiff(g, sortDescendingByLevel(g, victims))
	}

	for name, n := range g.Nodes {
		if n.Filtered {
			continue
		}
		sample := SampleForDepth(p, n.Level)
		if observed, ok := dyn[name]; ok && observed > 0 {
			sample = biasTowardThreshold(observed, p.DynSampleThreshold, sample)
		} else {
			sample = int(float64(sample) * complexityMultiplier(n.Complexity))
		}
		if sample < 1 {
			sample = 1
		}
		if sample > p.DynSamplePlatformMax {
			sample = p.DynSamplePlatformMax
		}
		n.Sample = sample
	}
	return g
}

// biasTowardThreshold nudges the default sample so that observed/sample
// lands within +-10% of threshold. The result is at least 1; it is not
// capped relative to defaultSample.
func biasTowardThreshold(observed, threshold, defaultSample int) int {
	if threshold <= 0 {
		return defaultSample
	}
	target := observed / threshold
	if target < 1 {
		target = 1
	}
	lower := target * 9 / 10
	upper := target * 11 / 10
	if lower < 1 {
		lower = 1
	}
	if defaultSample < lower {
		return lower
	}
	if defaultSample > upper && upper >= lower {
		return upper
	}
	return defaultSample
}

func sortDescendingByLevel(g *callgraph.CGR, names []string) []string {
	out := append([]string(nil), names...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && g.Nodes[out[j-1]].Level < g.Nodes[out[j]].Level; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// BaselineStatic marks every in-scope, non-filtered function with the
// pipeline's static sample (no dynamic stats considered) -- the "Full"
// pipeline's extra method beyond Advanced (spec.md §4.11 "Full = Advanced +
// Baseline-Static + Dynamic-Probing").
func BaselineStatic(g *callgraph.CGR, p Parameters) *callgraph.CGR {
	for _, n := range g.Nodes {
		if n.Filtered {
			continue
		}
		n.Sample = SampleForDepth(p, n.Level)
	}
	return g
}
