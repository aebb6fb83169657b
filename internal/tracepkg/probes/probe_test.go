package probes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSpecGrammar(t *testing.T) {
	cases := []struct {
		spec   string
		name   string
		lib    string
		sample int
	}{
		{"foo", "foo", "/bin/target", 1},
		{"foo#3", "foo", "/bin/target", 3},
		{"libfoo.so#foo", "foo", "libfoo.so", 1},
		{"libfoo.so#foo#5", "foo", "libfoo.so", 5},
		{"libfoo.so#foo#bogus", "foo", "libfoo.so", 1},
	}
	for _, c := range cases {
		p := ParseSpec(c.spec, "/bin/target", 1)
		require.Equal(t, c.name, p.Name, c.spec)
		require.Equal(t, c.lib, p.Lib, c.spec)
		require.Equal(t, c.sample, p.Sample, c.spec)
	}
}

func TestAddProbeIDsDenseAndDeterministic(t *testing.T) {
	p := New(Userspace, 1)
	for _, n := range []string{"zeta", "alpha", "mu"} {
		p.AddFunc(&Probe{Name: n, Sample: 1}, false)
	}
	p.AddUSDT(&Probe{Name: "probe_a", Sample: 1})
	p.AddProbeIDs()

	ids := map[int]bool{}
	for _, pr := range p.All() {
		require.True(t, pr.HasID)
		require.False(t, ids[pr.ID], "duplicate id %d", pr.ID)
		ids[pr.ID] = true
	}
	require.Len(t, ids, p.Count())
	for i := 0; i < p.Count(); i++ {
		require.True(t, ids[i], "missing id %d", i)
	}

	// alpha < mu < zeta alphabetically among func probes (id 0,1,2), usdt after.
	require.Equal(t, 0, p.Func["alpha"].ID)
	require.Equal(t, 1, p.Func["mu"].ID)
	require.Equal(t, 2, p.Func["zeta"].ID)
	require.Equal(t, 3, p.USDT["probe_a"].ID)
}

func TestAddProbeIDsSampleIndexOnlyWhenSampled(t *testing.T) {
	p := New(UserspaceSampled, 2)
	p.AddFunc(&Probe{Name: "a", Sample: 2}, false)
	p.AddFunc(&Probe{Name: "b", Sample: 1}, false)
	p.AddProbeIDs()

	require.True(t, p.Func["a"].HasSampleIndex)
	require.False(t, p.Func["b"].HasSampleIndex)
	require.Contains(t, p.SampledFunc, "a")
	require.NotContains(t, p.SampledFunc, "b")
}

func TestUSDTPairingInvolution(t *testing.T) {
	p := New(Userspace, 1)
	entry := &Probe{Name: "op_begin", Sample: 1}
	exit := &Probe{Name: "op_end", Sample: 2}
	p.PairUSDT(entry, exit)

	require.Equal(t, "op_end", entry.Pair)
	require.Equal(t, "op_begin", exit.Pair)
	require.Equal(t, 1, entry.Sample)
	require.Equal(t, 1, exit.Sample) // min(1,2)
	require.Equal(t, "op_end", p.USDTReversed["op_begin"])
	require.Equal(t, "op_begin", p.USDTReversed["op_end"])
}

func TestPairStaticSuffixTable(t *testing.T) {
	out := pairStatic([]string{"txn_start", "txn_finish", "lonely"}, "/bin/x", 1)
	byName := map[string]*Probe{}
	for _, p := range out {
		byName[p.Name] = p
	}
	require.Equal(t, "txn_finish", byName["txn_start"].Pair)
	require.Equal(t, "txn_start", byName["txn_finish"].Pair)
	require.Equal(t, "lonely", byName["lonely"].Pair)
}

func TestEmptyProbeSetIsFatal(t *testing.T) {
	p := New(Userspace, 1)
	require.True(t, p.Empty())
}
