package callgraph

// PruneMode selects how RemoveOrFilter treats a node's callers/callees when
// the node itself is dropped (spec.md §4.10 "remove_or_filter").
type PruneMode int

const (
	// Remove deletes the node and every edge touching it outright.
	Remove PruneMode = iota
	// Filter keeps the node as a Filtered stub (same as an out-of-scope
	// static callee) so callers keep an edge to it but it carries no
	// level/bottom/top classification of its own.
	Filter
)

// RemoveOrFilter drops every node in names from the graph per mode, then
// recomputes every derived table. Edges from a surviving caller to a
// removed node are deleted; edges from a removed node to a surviving
// callee are deleted too (the removed node can no longer attribute time).
func (g *CGR) RemoveOrFilter(names []string, mode PruneMode) *CGR {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}

	out := newEmptyCGR()
	out.Minor = g.Minor
	out.estimator = g.estimator

	for name, n := range g.Nodes {
		if _, dropped := drop[name]; dropped {
			if mode == Remove {
				continue
			}
			cp := *n
			cp.Filtered = true
			cp.Callers = nil
			cp.Callees = nil
			cp.Leaf = true
			out.Nodes[name] = &cp
			continue
		}
		cp := *n
		out.Nodes[name] = &cp
	}

	for name, n := range out.Nodes {
		if n.Filtered {
			continue
		}
		var callees []string
		for _, c := range g.Nodes[name].Callees {
			if _, dropped := drop[c]; dropped && mode == Remove {
				continue
			}
			if _, ok := out.Nodes[c]; ok {
				callees = append(callees, c)
			}
		}
		n.Callees = sortedUnique(callees)
	}
	for name, n := range out.Nodes {
		if n.Filtered {
			continue
		}
		var callers []string
		for _, c := range g.Nodes[name].Callers {
			if _, dropped := drop[c]; dropped && mode == Remove {
				continue
			}
			if _, ok := out.Nodes[c]; ok {
				callers = append(callers, c)
			}
		}
		n.Callers = sortedUnique(callers)
		n.Leaf = len(n.Callees) == 0
	}

	if g.CFGs != nil {
		cfgs := make(map[string]*CFG, len(g.CFGs))
		for name, cfg := range g.CFGs {
			if _, ok := out.Nodes[name]; ok {
				if n := out.Nodes[name]; !n.Filtered {
					cfgs[name] = cfg
				}
			}
		}
		out.recompute(cfgs)
	} else {
		out.recompute(nil)
	}
	return out
}

// ToDict flattens the node table for persistence (the counterpart to
// FromDict), returning a shallow copy safe for a caller to serialize.
func (g *CGR) ToDict() map[string]*Node {
	out := make(map[string]*Node, len(g.Nodes))
	for name, n := range g.Nodes {
		cp := *n
		out[name] = &cp
	}
	return out
}
