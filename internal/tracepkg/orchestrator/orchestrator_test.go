package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/lock"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/parse"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/tconfig"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/temp"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/watchdog"
)

// fakeEngine is a minimal engine.Engine double that records which methods
// ran and lets a test fail any one of them.
type fakeEngine struct {
	checkErr     error
	assembleErr  error
	collectErr   error
	transformErr error

	funcs map[string][]string // image -> func names, for AssembleCollectProgram's ps snapshot
	calls []string
}

func (f *fakeEngine) CheckDependencies() error {
	f.calls = append(f.calls, "check")
	return f.checkErr
}

func (f *fakeEngine) AvailableUSDT(images []string) (map[string][]string, error) {
	f.calls = append(f.calls, "usdt")
	return map[string][]string{}, nil
}

func (f *fakeEngine) AssembleCollectProgram(ctx context.Context, ps *probes.Probes) error {
	f.calls = append(f.calls, "assemble")
	return f.assembleErr
}

func (f *fakeEngine) Collect(ctx context.Context, ps *probes.Probes) error {
	f.calls = append(f.calls, "collect")
	return f.collectErr
}

func (f *fakeEngine) Transform(ctx context.Context, ps *probes.Probes) (*profile.Profile, *parse.Context, error) {
	f.calls = append(f.calls, "transform")
	if f.transformErr != nil {
		return nil, nil, f.transformErr
	}
	pctx := parse.NewContext()
	prof := &profile.Profile{Workload: "w"}
	return prof, pctx, nil
}

func (f *fakeEngine) Cleanup() error {
	f.calls = append(f.calls, "cleanup")
	return nil
}

type alwaysDead struct{}

func (alwaysDead) IsTracerAlive(int) bool { return false }

// aliveSet reports exactly the listed pids as live tracers.
type aliveSet map[int]bool

func (s aliveSet) IsTracerAlive(pid int) bool { return s[pid] }

func newTestOrchestrator(t *testing.T, eng engine.Engine) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := temp.Open(dir + "/tmp")
	require.NoError(t, err)
	locks := lock.NewManager(dir+"/locks", alwaysDead{})
	log, err := watchdog.StartSession(dir+"/logs", false, 1, time.Now(), true)
	require.NoError(t, err)
	base := engine.NewBase(store, 1, 1)

	cfg := &tconfig.Configuration{
		Binary:   "/bin/true",
		Workload: "true",
		PID:      1,
		Pipeline: tconfig.NoPipeline,
		Strategy: probes.Custom,
	}
	return New(cfg, eng, base, store, locks, log, dir+"/stats", dir+"/logs"), dir
}

func TestRunHappyPath(t *testing.T) {
	fe := &fakeEngine{}
	o, _ := newTestOrchestrator(t, fe)
	// strategy extraction needs something to extract from; inject a func
	// probe directly via a user-supplied spec so Collect has a nonempty set.
	o.Config.Func = []string{"main"}

	prof, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, prof)
	require.Contains(t, fe.calls, "check")
	require.Contains(t, fe.calls, "assemble")
	require.Contains(t, fe.calls, "collect")
	require.Contains(t, fe.calls, "transform")
	require.Contains(t, fe.calls, "cleanup")
}

func TestRunEmptyProbeSetFailsCollect(t *testing.T) {
	fe := &fakeEngine{}
	o, _ := newTestOrchestrator(t, fe)
	// No func/static/strategy probes at all -> Empty() after extraction.
	_, err := o.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, fe.calls, "check")
	require.NotContains(t, fe.calls, "assemble")
	require.Contains(t, fe.calls, "cleanup")
}

func TestRunEngineCollectErrorSkipsTransformButTearsDown(t *testing.T) {
	fe := &fakeEngine{}
	o, _ := newTestOrchestrator(t, fe)
	o.Config.Func = []string{"main"}
	fe.collectErr = context.DeadlineExceeded

	_, err := o.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, fe.calls, "collect")
	require.NotContains(t, fe.calls, "transform")
	require.Contains(t, fe.calls, "cleanup")
}

func TestSecondOrchestratorFailsOnBinaryLock(t *testing.T) {
	dir := t.TempDir()
	store, err := temp.Open(dir + "/tmp")
	require.NoError(t, err)
	locks := lock.NewManager(dir+"/locks", aliveSet{100: true})
	log, err := watchdog.StartSession(dir+"/logs", false, 1, time.Now(), true)
	require.NoError(t, err)

	base1 := engine.NewBase(store, 1, 100)
	cfg1 := &tconfig.Configuration{Binary: "/bin/true", Workload: "true", PID: 100, Func: []string{"main"}, Strategy: probes.Custom}
	fe1 := &fakeEngine{}
	o1 := New(cfg1, fe1, base1, store, locks, log, dir+"/stats", dir+"/logs")

	require.NoError(t, o1.pre())
	binLock, err := locks.Acquire(lock.Binary, cfg1.Binary, cfg1.PID)
	require.NoError(t, err)
	o1.binaryLock = binLock

	base2 := engine.NewBase(store, 1, 200)
	cfg2 := &tconfig.Configuration{Binary: "/bin/true", Workload: "true", PID: 200, Func: []string{"main"}, Strategy: probes.Custom}
	fe2 := &fakeEngine{}
	o2 := New(cfg2, fe2, base2, store, locks, log, dir+"/stats", dir+"/logs")

	err = o2.collect(context.Background())
	require.Error(t, err)
	var rl *lock.ResourceLocked
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 100, rl.PID)

	require.NoError(t, locks.Release(o1.binaryLock))
}
