package callgraph

import "sort"

// WithEstimator swaps the level-estimation strategy and recomputes every
// derived table, implementing spec.md §4.10's "pluggable level estimator"
// note. Call before reading Levels/Backedges/Bottom/Top.
func (g *CGR) WithEstimator(e LevelEstimator) *CGR {
	g.estimator = e
	g.recompute(g.CFGs)
	return g
}

// DominatorBackedge classifies a->b a backedge when b dominates a in the
// flow graph rooted at "main": an edge into a node that already dominates
// the source can only be taken by looping back to it. This is the
// "dominator-based" alternative spec.md §4.10 names.
func DominatorBackedge(g *CGR) map[string]map[string]struct{} {
	root := "main"
	if _, ok := g.Nodes[root]; !ok {
		root = firstRoot(g)
		if root == "" {
			return map[string]map[string]struct{}{}
		}
	}
	dom := dominators(g, root)

	back := make(map[string]map[string]struct{})
	for name, n := range g.Nodes {
		for _, callee := range n.Callees {
			if doms, ok := dom[name]; ok {
				if _, isDom := doms[callee]; isDom {
					m, ok := back[name]
					if !ok {
						m = make(map[string]struct{})
						back[name] = m
					}
					m[callee] = struct{}{}
				}
			}
		}
	}
	return back
}

func firstRoot(g *CGR) string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// dominators computes the iterative dataflow dominator sets (Cooper-Harvey-
// Kennedy style, simplified for small graphs): dom[n] is the set of nodes
// that dominate n, including n itself.
func dominators(g *CGR, root string) map[string]map[string]struct{} {
	all := make(map[string]struct{}, len(g.Nodes))
	for name := range g.Nodes {
		all[name] = struct{}{}
	}
	dom := make(map[string]map[string]struct{}, len(g.Nodes))
	for name := range g.Nodes {
		if name == root {
			dom[name] = map[string]struct{}{root: {}}
		} else {
			dom[name] = cloneSet(all)
		}
	}

	preds := make(map[string][]string)
	for name, n := range g.Nodes {
		for _, callee := range n.Callees {
			preds[callee] = append(preds[callee], name)
		}
	}

	changed := true
	for changed {
		changed = false
		for _, name := range rootOrder(g) {
			if name == root {
				continue
			}
			ps := preds[name]
			if len(ps) == 0 {
				continue
			}
			inter := cloneSet(dom[ps[0]])
			for _, p := range ps[1:] {
				intersectInPlace(inter, dom[p])
			}
			inter[name] = struct{}{}
			if !setEqual(inter, dom[name]) {
				dom[name] = inter
				changed = true
			}
		}
	}
	return dom
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func intersectInPlace(a, b map[string]struct{}) {
	for k := range a {
		if _, ok := b[k]; !ok {
			delete(a, k)
		}
	}
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// LongestAcyclicPath treats every edge as a forward edge, computing levels
// by longest path from any root and breaking cycles by only ever relaxing
// a node's level forward a bounded number of times equal to the node
// count -- any edge still unresolved after that many passes is reclassified
// as a backedge. This is spec.md §4.10's "longest-acyclic-path" estimator,
// useful when the caller wants maximum level spread rather than the
// earliest (DFS) cycle cut.
func LongestAcyclicPath(g *CGR) map[string]map[string]struct{} {
	level := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		level[name] = 0
	}
	order := rootOrder(g)
	n := len(g.Nodes)
	for pass := 0; pass < n+1; pass++ {
		for _, name := range order {
			nd := g.Nodes[name]
			for _, callee := range nd.Callees {
				if level[callee] < level[name]+1 {
					level[callee] = level[name] + 1
				}
			}
		}
	}
	back := make(map[string]map[string]struct{})
	for _, name := range order {
		nd := g.Nodes[name]
		for _, callee := range nd.Callees {
			if level[callee] <= level[name] {
				m, ok := back[name]
				if !ok {
					m = make(map[string]struct{})
					back[name] = m
				}
				m[callee] = struct{}{}
			}
		}
	}
	return back
}
