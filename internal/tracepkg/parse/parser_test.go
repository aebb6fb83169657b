package parse

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
)

func buildResolver(t *testing.T, names ...string) *Resolver {
	t.Helper()
	p := probes.New(probes.Custom, 1)
	for _, n := range names {
		p.AddFunc(&probes.Probe{Name: n, Sample: 1}, false)
	}
	p.AddProbeIDs()
	return NewResolver(p.NewResolver(), false)
}

func buildResolverSampled(t *testing.T, sampled map[string]int, plain ...string) *Resolver {
	t.Helper()
	p := probes.New(probes.Custom, 1)
	for n, s := range sampled {
		p.AddFunc(&probes.Probe{Name: n, Sample: s}, false)
	}
	for _, n := range plain {
		p.AddFunc(&probes.Probe{Name: n, Sample: 1}, false)
	}
	p.AddProbeIDs()
	return NewResolver(p.NewResolver(), false)
}

func runParse(t *testing.T, resolver *Resolver, lines []string) (*profile.Profile, *Context) {
	t.Helper()
	ctx := context.Background()
	builder := profile.NewBuilder(ctx, "workload")
	chunker := profile.NewChunker(builder)

	r := strings.NewReader(strings.Join(lines, "\n") + "\n")
	pc := Parse(r, resolver, Options{Workload: "workload"}, chunker)
	return builder.Finish(), pc
}

// S1: a -> b -> c -> b, unsampled, no USDT.
func TestS1NestedCalls(t *testing.T) {
	resolver := buildResolver(t, "a", "b", "c")
	aID := mustID(t, resolver, "a")
	bID := mustID(t, resolver, "b")
	cID := mustID(t, resolver, "c")

	lines := []string{
		rec("FUNC_BEGIN", 1, 0, aID),
		rec("FUNC_BEGIN", 1, 10, bID), // b1 (outer)
		rec("FUNC_BEGIN", 1, 20, cID),
		rec("FUNC_BEGIN", 1, 30, bID), // b2 (nested, recursive)
		rec("FUNC_END", 1, 40, bID),   // ends b2
		rec("FUNC_END", 1, 50, cID),   // ends c
		rec("FUNC_END", 1, 60, bID),   // ends b1
		rec("FUNC_END", 1, 70, aID),
		"PROCESS_END 1 1 0 80;0",
	}
	prof, _ := runParse(t, resolver, lines)
	require.Len(t, prof.ForUID("a"), 1)
	require.Len(t, prof.ForUID("b"), 2)
	require.Len(t, prof.ForUID("c"), 1)

	bs := prof.ForUID("b")
	require.ElementsMatch(t, []uint64{0, 1}, []uint64{bs[0].CallOrder, bs[1].CallOrder})

	c := prof.ForUID("c")[0]
	require.Equal(t, int64(30), c.Amount)

	// outer b (seq 0): amount 50 (10..60), exclusive = amount - inner c's amount.
	var outerB profile.Resource
	for _, r := range bs {
		if r.CallOrder == 0 {
			outerB = r
		}
	}
	require.Equal(t, int64(50), outerB.Amount)
	require.Equal(t, outerB.Amount-c.Amount, outerB.Exclusive)
}

// S2: sample=2 on b. The instrumentation itself only emits a FUNC_BEGIN/END
// pair for every 2nd invocation (approximate sampling, §4.7), so the raw
// stream here carries exactly 2 pairs for b; call-order reflects the
// stride-aware sequence (0, 2), not a dense 0, 1 count.
func TestS2Sampling(t *testing.T) {
	resolver := buildResolverSampled(t, map[string]int{"b": 2}, "a", "c")
	aID := mustID(t, resolver, "a")
	bID := mustID(t, resolver, "b")
	cID := mustID(t, resolver, "c")

	lines := []string{
		rec("FUNC_BEGIN", 1, 0, aID),
		rec("FUNC_BEGIN", 1, 10, bID),
		rec("FUNC_END", 1, 20, bID),
		rec("FUNC_BEGIN", 1, 30, bID),
		rec("FUNC_END", 1, 40, bID),
		rec("FUNC_END", 1, 70, aID),
		"PROCESS_END 1 1 0 80;0",
	}
	prof, _ := runParse(t, resolver, lines)
	bs := prof.ForUID("b")
	require.Len(t, bs, 2)
	orders := []uint64{bs[0].CallOrder, bs[1].CallOrder}
	require.Equal(t, []uint64{0, 2}, orders)

	as := prof.ForUID("a")
	require.Len(t, as, 1)
	require.GreaterOrEqual(t, as[0].Exclusive, int64(0))
	_ = cID
}

// S4: truncated final line -> CORRUPT metric, no panic, synthetic main, abrupt_termination.
func TestS4TruncatedTail(t *testing.T) {
	resolver := buildResolver(t, "main")
	mainID := mustID(t, resolver, "main")

	lines := []string{
		rec("FUNC_BEGIN", 1, 0, mainID),
		"FUNC_END 1 garbage", // malformed: missing ';'+id, non-numeric timestamp
	}
	prof, pc := runParse(t, resolver, lines)
	require.Equal(t, 1, pc.Metrics.CorruptCount)
	require.True(t, pc.Metrics.AbruptTermination)
	require.Len(t, prof.ForUID("main"), 1)
}

func mustID(t *testing.T, r *Resolver, name string) int {
	t.Helper()
	p, ok := r.r.ByName(name)
	require.True(t, ok)
	return p.ID
}

func rec(typ string, tid int, ts int64, id int) string {
	return join(typ, tid, ts, id)
}

func join(typ string, tid int, ts int64, id int) string {
	return typ + " " + itoa(tid) + " " + itoa64(ts) + ";" + itoa(id)
}

func itoa(n int) string {
	return itoa64(int64(n))
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
