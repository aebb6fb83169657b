package optimize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
)

func buildGraph(t *testing.T) *callgraph.CGR {
	t.Helper()
	static := map[string][]string{
		"main": {"a", "c"},
		"a":    {"b"},
		"b":    {"a"},
		"c":    nil,
	}
	scope := map[string]struct{}{"main": {}, "a": {}, "b": {}, "c": {}}
	return callgraph.FromStatic(static, scope, "v1")
}

func TestParametersManagerInfersOnce(t *testing.T) {
	g := buildGraph(t)
	pm := NewParametersManager(g)
	p := pm.Infer(Parameters{})
	require.True(t, p.KeepLeaf)
	require.True(t, p.KeepTop)
	require.Equal(t, Soft, p.DiffMode)
	require.Greater(t, p.DynSampleStep, 0.0)

	p2 := pm.Infer(p)
	require.Equal(t, p, p2)
}

func TestSampleForDepthClamped(t *testing.T) {
	p := Parameters{DynSampleStep: 2, DynSamplePlatformMax: 10}
	require.Equal(t, 1, SampleForDepth(p, 0))
	require.Equal(t, 2, SampleForDepth(p, 1))
	require.Equal(t, 4, SampleForDepth(p, 2))
	require.Equal(t, 10, SampleForDepth(p, 10)) // clamped
}

func TestBaselineDynamicPrunesWhenThresholdZero(t *testing.T) {
	g := buildGraph(t)
	pruned := BaselineDynamic(g, Parameters{DynSampleThreshold: 0}, nil)
	require.Contains(t, pruned.Nodes, "main")
	require.NotContains(t, pruned.Nodes, "c")
}

func TestBaselineDynamicAssignsSamples(t *testing.T) {
	g := buildGraph(t)
	p := Parameters{DynSampleStep: 1.5, DynSampleThreshold: 100, DynSamplePlatformMax: 1000}
	out := BaselineDynamic(g, p, DynStats{"c": 500})
	require.Greater(t, out.Nodes["c"].Sample, 0)
}

func TestDiffTracingRenameSoundness(t *testing.T) {
	base := callgraph.FromStatic(map[string][]string{
		"main": {"foo"},
		"foo":  nil,
	}, map[string]struct{}{"main": {}, "foo": {}}, "v1")

	target := callgraph.FromStatic(map[string][]string{
		"main": {"bar"},
		"bar":  nil,
	}, map[string]struct{}{"main": {}, "bar": {}}, "v2")

	res := Diff(base, target, Soft, false)
	require.Equal(t, "foo", res.Renamed["bar"])
	require.NotContains(t, res.New, "bar")
	require.NotContains(t, res.Deleted, "foo")
	require.NotContains(t, res.Modified, "bar")
}

func TestCGShapingKeepsLeavesAndTop(t *testing.T) {
	g := buildGraph(t)
	p := Parameters{CGShapingMaxLevel: 0, KeepLeaf: true, KeepTop: true}
	shaped := Shape(g, p)
	require.Contains(t, shaped.Nodes, "main")
	require.Contains(t, shaped.Nodes, "a")
	require.Contains(t, shaped.Nodes, "c")
}

func TestDynamicProberDetachesOverThreshold(t *testing.T) {
	var detached, attached []int
	prober := NewDynamicProber(
		Parameters{DynProbeThreshold: 5, DynProbeBackoffBase: 2},
		true,
		func(id int) error { detached = append(detached, id); return nil },
		func(id int) error { attached = append(attached, id); return nil },
	)
	prober.Track(1)
	for i := 0; i < 10; i++ {
		prober.Count(1)
	}
	now := time.Unix(0, 0)
	prober.Tick(now)
	require.Equal(t, []int{1}, detached)

	prober.Tick(now.Add(2 * time.Second))
	require.Equal(t, []int{1}, attached)
}

func TestTimedSamplerToggles(t *testing.T) {
	ts := NewTimedSampler(5 * time.Millisecond)
	ts.Start()
	defer ts.Stop()
	time.Sleep(30 * time.Millisecond)
	_ = ts.Enabled() // just confirm no panic / race across the toggle goroutine
}
