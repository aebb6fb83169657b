package callgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func scope(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// S5: main -> a -> b -> a (backedge), main -> c (leaf).
func buildS5(t *testing.T) *CGR {
	t.Helper()
	static := map[string][]string{
		"main": {"a", "c"},
		"a":    {"b"},
		"b":    {"a"},
		"c":    nil,
	}
	return FromStatic(static, scope("main", "a", "b", "c"), "v1")
}

func TestFromStaticBasicShape(t *testing.T) {
	g := buildS5(t)
	require.Len(t, g.Nodes, 4)
	require.ElementsMatch(t, []string{"a", "c"}, g.Nodes["main"].Callees)
	require.Contains(t, g.Nodes["b"].Callees, "a")
	require.False(t, g.Nodes["main"].Filtered)
}

func TestDFSBackedgeDetectsLoop(t *testing.T) {
	g := buildS5(t)
	require.Contains(t, g.Backedges["b"], "a")
	require.NotContains(t, g.Backedges["main"], "a")
}

func TestLevelsAndDepth(t *testing.T) {
	g := buildS5(t)
	require.Equal(t, 0, g.Nodes["main"].Level)
	require.Equal(t, 1, g.Nodes["a"].Level)
	require.Equal(t, 2, g.Nodes["b"].Level)
	require.Equal(t, 1, g.Nodes["c"].Level)
	require.Equal(t, 2, g.Depth)
}

func TestLeavesAndBottomTop(t *testing.T) {
	g := buildS5(t)
	require.Contains(t, g.Leaves, "c")
	require.NotContains(t, g.Leaves, "a") // a's only callee is b, not a backedge from a's perspective

	require.Contains(t, g.Bottom, "c")
	require.Contains(t, g.Bottom, "b")
	require.NotContains(t, g.Bottom, "a") // a's callee b is a forward edge, not a backedge
	require.NotContains(t, g.Bottom, "main")

	// max-cut from main: main branches to {a, c}, so the walk stops at main
	// itself; of the remaining candidates {a, b, c}, b is subsumed by a (b is
	// strictly deeper and reachable from a), leaving top = {a, c}.
	require.Contains(t, g.Top, "a")
	require.Contains(t, g.Top, "c")
	require.NotContains(t, g.Top, "main")
	require.NotContains(t, g.Top, "b")
}

func TestReachability(t *testing.T) {
	g := buildS5(t)
	require.Contains(t, g.Reachable["main"], "a")
	require.Contains(t, g.Reachable["main"], "b")
	require.Contains(t, g.Reachable["main"], "c")
	require.NotContains(t, g.Reachable["b"], "a") // a->b->a is the backedge, excluded from reachability
}

func TestFilteredExcludedCalleeKept(t *testing.T) {
	static := map[string][]string{
		"main": {"a"},
		"a":    {"libc_malloc"},
	}
	g := FromStatic(static, scope("main", "a"), "v1")
	require.Contains(t, g.Nodes, "libc_malloc")
	require.True(t, g.Nodes["libc_malloc"].Filtered)
}

func TestAddDynPrunesUnreached(t *testing.T) {
	base := buildS5(t)
	dyn := map[string]map[string]struct{}{
		"main": {"a": {}},
		"a":    {"b": {}},
	}
	// "c" was statically reachable but never observed dynamically from main
	// via any edge other than the static main->c edge, which IS present in
	// the merged graph (AddDyn merges base callees too) -- so c survives
	// here; this test instead checks a genuinely orphaned node is dropped.
	merged := AddDyn(dyn, base, nil)
	require.Contains(t, merged.Nodes, "c") // static main->c edge keeps it reachable

	orphanBase := FromStatic(map[string][]string{
		"main": nil,
		"a":    nil,
		"d":    {"a"}, // d is never reachable from main in the static graph either
	}, scope("main", "a", "d"), "v1")
	merged2 := AddDyn(map[string]map[string]struct{}{"main": {"a": {}}}, orphanBase, nil)
	require.Contains(t, merged2.Nodes, "main")
	require.Contains(t, merged2.Nodes, "a")
	require.NotContains(t, merged2.Nodes, "d")
}

func TestRemoveOrFilter(t *testing.T) {
	g := buildS5(t)

	removed := g.RemoveOrFilter([]string{"c"}, Remove)
	require.NotContains(t, removed.Nodes, "c")
	require.NotContains(t, removed.Nodes["main"].Callees, "c")

	filtered := g.RemoveOrFilter([]string{"c"}, Filter)
	require.Contains(t, filtered.Nodes, "c")
	require.True(t, filtered.Nodes["c"].Filtered)
}

func TestFromDictRoundTrip(t *testing.T) {
	g := buildS5(t)
	dict := g.ToDict()
	rebuilt := FromDict(dict, g.CFGs, g.Minor)
	require.Equal(t, len(g.Nodes), len(rebuilt.Nodes))
	require.Equal(t, g.Nodes["a"].Level, rebuilt.Nodes["a"].Level)
}

func TestDominatorBackedgeAgreesOnSimpleLoop(t *testing.T) {
	g := buildS5(t).WithEstimator(DominatorBackedge)
	require.Contains(t, g.Backedges["b"], "a")
}

func TestLongestAcyclicPathEstimator(t *testing.T) {
	g := buildS5(t).WithEstimator(LongestAcyclicPath)
	require.Equal(t, 0, g.Nodes["main"].Level)
	require.Greater(t, g.Nodes["a"].Level, g.Nodes["main"].Level)
	// the main<->a<->b cycle is broken somewhere; whichever edge it picks,
	// every node still gets a well-defined non-negative level.
	require.GreaterOrEqual(t, g.Nodes["b"].Level, 0)
	require.Contains(t, g.Backedges, "a")
}
