package optimize

import (
	"sort"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
)

// Shape implements the CG-Shaping method: trim the graph to at most
// p.CGShapingMaxLevel levels, honoring p.KeepLeaf / p.KeepTop so leaves and
// top-set members survive even past the cutoff, then prune everything else
// via callgraph.RemoveOrFilter (spec.md §4.11 "CG-Shaping", driven by the
// call-graph's own Levels/Leaves/Top tables).
func Shape(g *callgraph.CGR, p Parameters) *callgraph.CGR {
	var victims []string
	for level, names := range g.Levels {
		if level <= p.CGShapingMaxLevel {
			continue
		}
		for _, name := range names {
			if p.KeepLeaf {
				if _, isLeaf := leafSet(g)[name]; isLeaf {
					continue
				}
			}
			if p.KeepTop {
				if _, isTop := g.Top[name]; isTop {
					continue
				}
			}
			victims = append(victims, name)
		}
	}
	if len(victims) == 0 {
		return g
	}
	sort.Slice(victims, func(i, j int) bool {
		return g.Nodes[victims[i]].Level > g.Nodes[victims[j]].Level
	})
	return pruneRespectingDiff(g, victims)
}

func leafSet(g *callgraph.CGR) map[string]struct{} {
	out := make(map[string]struct{}, len(g.Leaves))
	for _, l := range g.Leaves {
		out[l] = struct{}{}
	}
	return out
}

// pruneRespectingDiff drops victims via Remove when they're leaves (after
// sorting level-descending, per spec.md §4.10's pruning rule) and via
// Filter otherwise, skipping any node marked diff=true -- "never remove a
// node marked diff=true".
func pruneRespectingDiff(g *callgraph.CGR, victimsDescending []string) *callgraph.CGR {
	cur := g
	for _, name := range victimsDescending {
		n, ok := cur.Nodes[name]
		if !ok || n.Diff {
			continue
		}
		mode := callgraph.Filter
		if n.Leaf {
			mode = callgraph.Remove
		}
		cur = cur.RemoveOrFilter([]string{name}, mode)
	}
	return cur
}
