// Package lock implements the file-based resource-locking subsystem from
// spec.md §4.2: mutual exclusion over {binary, tool-process, kernel-module}
// resources between concurrent collection jobs, using the OS process table
// as the tie-breaker for stale locks.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Type is the resource kind a lock file protects.
type Type int

const (
	Binary Type = iota
	KernelModule
	ToolProcess
)

func (t Type) suffix() string {
	switch t {
	case Binary:
		return ".b_lock"
	case KernelModule:
		return ".m_lock"
	case ToolProcess:
		return ".s_lock"
	default:
		return ".lock"
	}
}

func suffixType(suffix string) (Type, bool) {
	switch suffix {
	case ".b_lock":
		return Binary, true
	case ".m_lock":
		return KernelModule, true
	case ".s_lock":
		return ToolProcess, true
	default:
		return 0, false
	}
}

// ResourceLocked is returned when a live peer already holds the lock.
type ResourceLocked struct {
	Name string
	PID  int
}

func (e *ResourceLocked) Error() string {
	return fmt.Sprintf("resource %q already locked by live process %d", e.Name, e.PID)
}

// Lock describes one lock file: "<name>:<pid>.<suffix>" in the locks dir.
type Lock struct {
	Name string
	PID  int
	Type Type
	path string
}

func fileName(name string, pid int, t Type) string {
	return fmt.Sprintf("%s:%d%s", name, pid, t.suffix())
}

// parseLockFile splits a lock file's base name back into (name, pid, type).
func parseLockFile(base string) (name string, pid int, t Type, ok bool) {
	for _, suf := range []string{".b_lock", ".m_lock", ".s_lock"} {
		if strings.HasSuffix(base, suf) {
			t, _ = suffixType(suf)
			rest := strings.TrimSuffix(base, suf)
			idx := strings.LastIndex(rest, ":")
			if idx < 0 {
				return "", 0, 0, false
			}
			p, err := strconv.Atoi(rest[idx+1:])
			if err != nil {
				return "", 0, 0, false
			}
			return rest[:idx], p, t, true
		}
	}
	return "", 0, 0, false
}

// LivenessChecker reports whether pid is a live peer tracer process. It is
// implemented by package lock's processtab.go (procfs-backed) in production
// and stubbed in tests.
type LivenessChecker interface {
	IsTracerAlive(pid int) bool
}

// Manager acquires and releases locks inside a single locks directory.
type Manager struct {
	dir     string
	process LivenessChecker
}

func NewManager(dir string, process LivenessChecker) *Manager {
	return &Manager{dir: dir, process: process}
}

// Acquire atomically creates the lock file, then cross-checks every peer
// lock of the same (name, type) against the process table: if a peer is
// alive, acquisition fails with ResourceLocked; stale peer files are removed
// (spec.md §4.2, "LockStale").
func (m *Manager) Acquire(t Type, name string, pid int) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	name = filepath.Base(name)

	path := filepath.Join(m.dir, fileName(name, pid, t))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: touch %s: %w", path, err)
	}
	f.Close()

	lk := &Lock{Name: name, PID: pid, Type: t, path: path}

	peers, err := m.peersOf(t, name, pid)
	if err != nil {
		return lk, nil
	}
	for _, peer := range peers {
		if m.process.IsTracerAlive(peer.PID) {
			os.Remove(path)
			return nil, &ResourceLocked{Name: name, PID: peer.PID}
		}
		os.Remove(peer.path)
	}
	return lk, nil
}

func (m *Manager) peersOf(t Type, name string, excludePID int) ([]*Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var out []*Lock
	for _, e := range entries {
		n, pid, typ, ok := parseLockFile(e.Name())
		if !ok || n != name || typ != t || pid == excludePID {
			continue
		}
		out = append(out, &Lock{Name: n, PID: pid, Type: typ, path: filepath.Join(m.dir, e.Name())})
	}
	return out, nil
}

// Release deletes the lock file; it is idempotent.
func (m *Manager) Release(lk *Lock) error {
	if lk == nil {
		return nil
	}
	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ActiveLocksFilter narrows GetActiveLocksFor by name/type/pid; nil/empty
// means "no filter on this dimension".
type ActiveLocksFilter struct {
	Names []string
	Types []Type
	PIDs  []int
}

func (f ActiveLocksFilter) match(lk *Lock) bool {
	if len(f.Names) > 0 && !containsStr(f.Names, lk.Name) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, lk.Type) {
		return false
	}
	if len(f.PIDs) > 0 && !containsInt(f.PIDs, lk.PID) {
		return false
	}
	return true
}

// GetActiveLocksFor scans the locks directory and returns every lock
// matching the filter.
func (m *Manager) GetActiveLocksFor(filter ActiveLocksFilter) ([]*Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Lock
	for _, e := range entries {
		name, pid, typ, ok := parseLockFile(e.Name())
		if !ok {
			continue
		}
		lk := &Lock{Name: name, PID: pid, Type: typ, path: filepath.Join(m.dir, e.Name())}
		if filter.match(lk) {
			out = append(out, lk)
		}
	}
	return out, nil
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsType(s []Type, v Type) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
