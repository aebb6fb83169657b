// Package callgraph implements the Call Graph Resource (CGR) from spec.md
// §3 and §4.10: static+dynamic call-graph merge, level assignment,
// reachability, bottom/top sets, and CFG attachment.
package callgraph

import "sort"

// CFG is the minimal control-flow-graph shape attached per in-scope
// function (spec.md §3 "cfg: name -> {blocks, edges}").
type CFG struct {
	Blocks []Block
	Edges  [][2]int // block-index pairs
}

// Block is one basic block, identified by its ordered opcode list -- enough
// for the diff-tracing equivalence modes in optimize/difftrace.go.
type Block struct {
	Opcodes  []string
	Operands [][]string // per-opcode operand list, parallel to Opcodes
}

// Node is one function in the graph (spec.md §3 "cg_map" node shape).
type Node struct {
	Name     string
	Level    int
	Filtered bool
	Callers  []string
	Callees  []string
	Leaf     bool
	Diff     bool
	Sample   int
	// Complexity is a coarse static-complexity classification consumed by
	// optimize/dynsampling.go ("constant x2, linear x1.5").
	Complexity Complexity
}

type Complexity int

const (
	ComplexityUnknown Complexity = iota
	ComplexityConstant
	ComplexityLinear
	ComplexityOther
)

// CGR is the full call-graph resource: the node map plus every derived
// table named in spec.md §3.
type CGR struct {
	Nodes map[string]*Node
	CFGs  map[string]*CFG

	Reachable map[string]map[string]struct{}
	Backedges map[string]map[string]struct{}
	Levels    [][]string
	Leaves    []string
	Depth     int
	Bottom    map[string]struct{}
	Top       map[string]struct{}
	Recursive map[string]struct{} // functions with a self-loop edge
	Minor     string              // version identifier

	estimator LevelEstimator
}

func newEmptyCGR() *CGR {
	return &CGR{
		Nodes:     make(map[string]*Node),
		CFGs:      make(map[string]*CFG),
		Reachable: make(map[string]map[string]struct{}),
		Backedges: make(map[string]map[string]struct{}),
		Recursive: make(map[string]struct{}),
		estimator: DFSBackedge,
	}
}

// sortedUnique normalizes a callee list as required by from_static/add_dyn.
func sortedUnique(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FromStatic builds a CGR from a static name->[callees] map restricted to
// functions (spec.md §4.10 "from_static"). Excluded functions that have at
// least one in-scope caller are still represented, marked Filtered=true.
// Self-loops are dropped from the edge list and recorded in Recursive;
// edges to excluded nodes that have no in-scope caller anywhere are dropped
// entirely.
func FromStatic(staticCG map[string][]string, inScope map[string]struct{}, minor string) *CGR {
	g := newEmptyCGR()
	g.Minor = minor

	// Which excluded functions have >=1 in-scope caller?
	excludedWithInScopeCaller := make(map[string]struct{})
	for caller, callees := range staticCG {
		if _, ok := inScope[caller]; !ok {
			continue
		}
		for _, callee := range callees {
			if _, ok := inScope[callee]; !ok {
				excludedWithInScopeCaller[callee] = struct{}{}
			}
		}
	}

	ensure := func(name string, filtered bool) *Node {
		n, ok := g.Nodes[name]
		if !ok {
			n = &Node{Name: name, Filtered: filtered}
			g.Nodes[name] = n
		}
		return n
	}
	for name := range inScope {
		ensure(name, false)
	}
	for name := range excludedWithInScopeCaller {
		ensure(name, true)
	}

	for caller, callees := range staticCG {
		cn, ok := g.Nodes[caller]
		if !ok {
			continue
		}
		var kept []string
		for _, callee := range callees {
			if callee == caller {
				g.Recursive[caller] = struct{}{}
				continue
			}
			if _, ok := g.Nodes[callee]; !ok {
				continue // excluded node with no in-scope caller elsewhere
			}
			kept = append(kept, callee)
			callerNode := g.Nodes[callee]
			callerNode.Callers = append(callerNode.Callers, caller)
		}
		cn.Callees = sortedUnique(append(cn.Callees, kept...))
	}
	for _, n := range g.Nodes {
		n.Callers = sortedUnique(n.Callers)
		n.Leaf = len(n.Callees) == 0
	}

	g.recompute(nil)
	return g
}

// AddDyn merges a dynamic caller->callees map into base, prunes nodes
// unreachable from "main" (BFS over the merged static and dynamic edges),
// and rebuilds via FromStatic (spec.md §4.10 "add_dyn").
func AddDyn(dynCG map[string]map[string]struct{}, base *CGR, cfgs map[string]*CFG) *CGR {
	merged := make(map[string][]string)
	for name, n := range base.Nodes {
		merged[name] = append(merged[name], n.Callees...)
	}
	for caller, callees := range dynCG {
		for callee := range callees {
			merged[caller] = append(merged[caller], callee)
		}
	}
	for k, v := range merged {
		merged[k] = sortedUnique(v)
	}

	// BFS from "main", but only following edges that were actually visited
	// (i.e. present in merged, which already is the union) -- prune any
	// node not reached.
	visited := map[string]struct{}{"main": {}}
	queue := []string{"main"}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, callee := range merged[cur] {
			if _, ok := visited[callee]; !ok {
				visited[callee] = struct{}{}
				queue = append(queue, callee)
			}
		}
	}

	pruned := make(map[string][]string, len(visited))
	for name := range visited {
		var kept []string
		for _, callee := range merged[name] {
			if _, ok := visited[callee]; ok {
				kept = append(kept, callee)
			}
		}
		pruned[name] = kept
	}

	g := FromStatic(pruned, visited, base.Minor)
	g.CFGs = cfgs
	g.recompute(cfgs)
	return g
}

// FromDict rehydrates a CGR previously serialized to a plain map -- the
// persisted-between-runs path named in spec.md §3 "Lifecycles".
func FromDict(nodes map[string]*Node, cfgs map[string]*CFG, minor string) *CGR {
	g := newEmptyCGR()
	g.Minor = minor
	for name, n := range nodes {
		cp := *n
		g.Nodes[name] = &cp
	}
	g.CFGs = cfgs
	g.recompute(cfgs)
	return g
}

// attachCFG restricts the supplied cfg map to in-scope (non-filtered) nodes.
func (g *CGR) attachCFG(cfgs map[string]*CFG) {
	if cfgs == nil {
		return
	}
	g.CFGs = make(map[string]*CFG, len(g.Nodes))
	for name, n := range g.Nodes {
		if n.Filtered {
			continue
		}
		if cfg, ok := cfgs[name]; ok {
			g.CFGs[name] = cfg
		}
	}
}

// recompute rebuilds every derived table: levels, reachability, bottom/top,
// CFG attachment (spec.md §4.10 "Post-construction").
func (g *CGR) recompute(cfgs map[string]*CFG) {
	g.attachCFG(cfgs)
	g.Backedges = g.estimator(g)
	g.assignLevels()
	g.computeReachability()
	g.computeLeavesAndDepth()
	g.Bottom = g.computeBottom()
	g.Top = g.computeTop()
}
