package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// cgrMinor is the persisted-format version tag; bump when the Node/CFG shape
// changes in a way that would make an older .perun_cg unreadable.
const cgrMinor = "v1"

// persistedCGR is the on-disk shape of the CGR the spec's on-disk layout
// names "stats/<binary>_<hash>.perun_cg" -- the call graph plus the
// per-function observed-call-count table the optimization layer's Dynamic
// Sampling method reads back as DynStats (spec.md §4.11, §3 "persisted
// between runs").
type persistedCGR struct {
	Nodes    map[string]*callgraph.Node `json:"nodes"`
	CFGs     map[string]*callgraph.CFG  `json:"cfgs"`
	DynStats map[string]int             `json:"dyn_stats"`
}

// cgrPath computes the stable per-binary stats file name: a hash of the
// resolved binary path stands in for the teacher's ELF-build-id identity,
// since build-id/content-addressing is out of scope here (see DESIGN.md).
func cgrPath(statsDir, binary string) string {
	sum := sha256.Sum256([]byte(binary))
	hash := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(statsDir, filepath.Base(binary)+"_"+hash+".perun_cg")
}

// loadCGR reads a previously persisted CGR, if any.
func loadCGR(path string) (*callgraph.CGR, map[string]int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false
	}
	var rec persistedCGR
	if err := fastJSON.Unmarshal(b, &rec); err != nil {
		return nil, nil, false
	}
	g := callgraph.FromDict(rec.Nodes, rec.CFGs, cgrMinor)
	return g, rec.DynStats, true
}

// saveCGR writes g and its accompanying dynamic-stats table back to path.
func saveCGR(path string, g *callgraph.CGR, dynStats map[string]int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	rec := persistedCGR{Nodes: g.ToDict(), CFGs: g.CFGs, DynStats: dynStats}
	b, err := fastJSON.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
