package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubChecker struct{ alive map[int]bool }

func (s stubChecker) IsTracerAlive(pid int) bool { return s.alive[pid] }

func TestAcquireMutualExclusionWhenPeerAlive(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, stubChecker{alive: map[int]bool{100: true}})

	_, err := m.Acquire(Binary, "target", 100)
	require.NoError(t, err)

	m2 := NewManager(dir, stubChecker{alive: map[int]bool{100: true}})
	_, err = m2.Acquire(Binary, "target", 200)
	require.Error(t, err)
	var rl *ResourceLocked
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 100, rl.PID)
}

func TestAcquireRemovesStalePeer(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, stubChecker{alive: map[int]bool{}})

	_, err := m.Acquire(Binary, "target", 100)
	require.NoError(t, err)

	lk2, err := m.Acquire(Binary, "target", 200)
	require.NoError(t, err)
	require.NotNil(t, lk2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReleaseIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, stubChecker{})
	lk, err := m.Acquire(Binary, "target", 1)
	require.NoError(t, err)
	require.NoError(t, m.Release(lk))
	require.NoError(t, m.Release(lk))
	require.NoFileExists(t, filepath.Join(dir, fileName("target", 1, Binary)))
}

func TestGetActiveLocksForFilters(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, stubChecker{alive: map[int]bool{}})
	_, err := m.Acquire(Binary, "a", 1)
	require.NoError(t, err)
	_, err = m.Acquire(KernelModule, "b", 2)
	require.NoError(t, err)

	locks, err := m.GetActiveLocksFor(ActiveLocksFilter{Types: []Type{Binary}})
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "a", locks[0].Name)
}
