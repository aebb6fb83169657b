package callgraph

import "sort"

// LevelEstimator classifies edges into forward/backedges and is the
// strategy hook spec.md §4.10 names three ways to satisfy: "DFS backedge
// detection (default)", "dominator-based", "longest-acyclic-path".
type LevelEstimator func(g *CGR) map[string]map[string]struct{}

// DFSBackedge marks an edge a->b a backedge when b is already on the
// current DFS stack (classic white/gray/black coloring), starting from
// "main" and then any unvisited root in name order for determinism.
func DFSBackedge(g *CGR) map[string]map[string]struct{} {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		color[name] = white
	}
	back := make(map[string]map[string]struct{})
	mark := func(a, b string) {
		m, ok := back[a]
		if !ok {
			m = make(map[string]struct{})
			back[a] = m
		}
		m[b] = struct{}{}
	}

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		n := g.Nodes[name]
		for _, callee := range n.Callees {
			switch color[callee] {
			case white:
				visit(callee)
			case gray:
				mark(name, callee)
			}
		}
		color[name] = black
	}

	roots := rootOrder(g)
	for _, r := range roots {
		if color[r] == white {
			visit(r)
		}
	}
	return back
}

// rootOrder puts "main" first (if present) followed by every other node
// name in sorted order, giving DFSBackedge a deterministic traversal.
func rootOrder(g *CGR) []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		if name != "main" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := g.Nodes["main"]; ok {
		return append([]string{"main"}, names...)
	}
	return names
}

// isBack reports whether (a,b) was classified as a backedge by the active
// estimator, so level assignment and reachability can skip it.
func (g *CGR) isBack(a, b string) bool {
	m, ok := g.Backedges[a]
	if !ok {
		return false
	}
	_, ok = m[b]
	return ok
}

// assignLevels computes Level per node via longest-path-from-root over the
// acyclic subgraph (backedges excluded), and groups Levels[i] = all nodes at
// depth i (spec.md §4.10 "level assignment").
func (g *CGR) assignLevels() {
	for _, n := range g.Nodes {
		n.Level = -1
	}
	roots := rootOrder(g)

	// Kahn-style longest path: repeatedly relax level(callee) = max(level(callee), level(caller)+1)
	// over the DAG formed by non-backedge edges, iterating until fixpoint (graphs here are small
	// instrumentation call graphs, so a bounded number of passes suffices).
	for _, r := range roots {
		if g.Nodes[r].Level < 0 {
			g.Nodes[r].Level = 0
		}
	}
	changed := true
	for pass := 0; changed && pass < len(g.Nodes)+1; pass++ {
		changed = false
		for _, name := range rootOrder(g) {
			n := g.Nodes[name]
			if n.Level < 0 {
				continue
			}
			for _, callee := range n.Callees {
				if g.isBack(name, callee) {
					continue
				}
				cn := g.Nodes[callee]
				if cn.Level < n.Level+1 {
					cn.Level = n.Level + 1
					changed = true
				}
			}
		}
	}
	// Any node never reached from a root (disconnected filtered stub) gets level 0.
	for _, n := range g.Nodes {
		if n.Level < 0 {
			n.Level = 0
		}
	}

	maxLevel := 0
	for _, n := range g.Nodes {
		if n.Level > maxLevel {
			maxLevel = n.Level
		}
	}
	levels := make([][]string, maxLevel+1)
	for name, n := range g.Nodes {
		levels[n.Level] = append(levels[n.Level], name)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	g.Levels = levels
}

// computeReachability computes, for every node, the set of nodes reachable
// via non-backedge call edges (spec.md §4.10 "reachable[name]").
func (g *CGR) computeReachability() {
	reach := make(map[string]map[string]struct{}, len(g.Nodes))
	for name := range g.Nodes {
		visited := make(map[string]struct{})
		var dfs func(cur string)
		dfs = func(cur string) {
			n := g.Nodes[cur]
			for _, callee := range n.Callees {
				if g.isBack(cur, callee) {
					continue
				}
				if _, ok := visited[callee]; ok {
					continue
				}
				visited[callee] = struct{}{}
				dfs(callee)
			}
		}
		dfs(name)
		reach[name] = visited
	}
	g.Reachable = reach
}

// computeLeavesAndDepth fills Leaves (nodes with no outgoing non-backedge
// edge) and Depth (max level), spec.md §4.10 "leaves, depth".
func (g *CGR) computeLeavesAndDepth() {
	var leaves []string
	depth := 0
	for name, n := range g.Nodes {
		if n.Level > depth {
			depth = n.Level
		}
		isLeaf := true
		for _, callee := range n.Callees {
			if !g.isBack(name, callee) {
				isLeaf = false
				break
			}
		}
		if isLeaf {
			leaves = append(leaves, name)
		}
	}
	sort.Strings(leaves)
	g.Leaves = leaves
	g.Depth = depth
}

// computeBottom returns the set of "bottom" functions: nodes all of whose
// non-filtered callees are backedges -- spec.md §4.10's rule for the case
// where backedges are known (always true here, since DFSBackedge or one of
// the other estimators always runs first in recompute): "a node is bottom
// iff all its non-filtered callees are backedges". A node with no callees
// at all satisfies this vacuously, same as g.Leaves.
func (g *CGR) computeBottom() map[string]struct{} {
	bottom := make(map[string]struct{}, len(g.Leaves))
	for name, n := range g.Nodes {
		if n.Filtered {
			continue
		}
		allBack := true
		for _, callee := range n.Callees {
			if g.Nodes[callee].Filtered {
				continue
			}
			if !g.isBack(name, callee) {
				allBack = false
				break
			}
		}
		if allBack {
			bottom[name] = struct{}{}
		}
	}
	return bottom
}

// computeTop returns the set of "top" functions via the maximum-cut walk
// spec.md §4.10 describes: starting at main, follow single-unvisited-
// non-filtered-callee chains, stopping before stepping into any node that is
// itself the target of a backedge (a cycle entry, never a trivial pass-
// through worth cutting past). main and everything walked over is excluded
// from the candidate pool. The top set is then the candidates that subsume
// no other candidate -- "c subsumes d" iff d.Level < c.Level and c is
// reachable from d, i.e. c sits strictly deeper inside d's own reachable
// set -- falling back to {main} if that leaves nothing.
func (g *CGR) computeTop() map[string]struct{} {
	backedgeTarget := make(map[string]struct{})
	for _, targets := range g.Backedges {
		for t := range targets {
			backedgeTarget[t] = struct{}{}
		}
	}

	visited := make(map[string]struct{})
	if _, ok := g.Nodes["main"]; ok {
		visited["main"] = struct{}{}
		cur := "main"
		for {
			n := g.Nodes[cur]
			var next string
			count := 0
			for _, callee := range n.Callees {
				if g.Nodes[callee].Filtered {
					continue
				}
				if _, seen := visited[callee]; seen {
					continue
				}
				count++
				next = callee
			}
			if count != 1 {
				break
			}
			if _, cycleEntry := backedgeTarget[next]; cycleEntry {
				break
			}
			visited[next] = struct{}{}
			cur = next
		}
	}

	candidates := make(map[string]struct{})
	for name, n := range g.Nodes {
		if n.Filtered {
			continue
		}
		if _, ok := visited[name]; ok {
			continue
		}
		candidates[name] = struct{}{}
	}

	top := make(map[string]struct{})
	for c := range candidates {
		cn := g.Nodes[c]
		subsumed := false
		for d := range candidates {
			if d == c {
				continue
			}
			dn := g.Nodes[d]
			if dn.Level >= cn.Level {
				continue
			}
			if _, reachable := g.Reachable[d][c]; reachable {
				subsumed = true
				break
			}
		}
		if !subsumed {
			top[c] = struct{}{}
		}
	}
	if len(top) == 0 {
		if _, ok := g.Nodes["main"]; ok {
			top["main"] = struct{}{}
		}
	}
	return top
}
