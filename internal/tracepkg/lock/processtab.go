package lock

import (
	"strings"

	"github.com/prometheus/procfs"
)

// processToken is the substring every tracer process's command line is
// expected to contain; spec.md §4.2 names "perun" for the source tool, we
// generalize it to this engine's own process name.
const processToken = "perun-trace"

// ProcessTable is the default LivenessChecker, backed by /proc via
// prometheus/procfs -- the Go-idiomatic analogue of the Python source's
// psutil-based processes.py (see SPEC_FULL.md "SUPPLEMENTED FEATURES").
type ProcessTable struct {
	fs procfs.FS
}

func NewProcessTable() (*ProcessTable, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcessTable{fs: fs}, nil
}

// IsTracerAlive reports whether pid exists and its command line contains
// the tracer's process token. A pid that exists but belongs to an unrelated
// process (pid reuse) is treated as not-alive, the same caution the
// original's processes.py applies.
func (t *ProcessTable) IsTracerAlive(pid int) bool {
	proc, err := t.fs.Proc(pid)
	if err != nil {
		return false
	}
	cmdline, err := proc.CmdLine()
	if err != nil {
		return false
	}
	return strings.Contains(strings.Join(cmdline, " "), processToken)
}
