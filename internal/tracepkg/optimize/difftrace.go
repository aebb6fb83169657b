package optimize

import (
	"sort"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/callgraph"
)

// CFGEquivalence selects how strictly two functions' control-flow graphs
// must match to be considered unchanged (spec.md §4.11 "Diff-Tracing").
type CFGEquivalence int

const (
	EquivalenceUnset CFGEquivalence = iota
	// Soft: same block count and edge layout.
	Soft
	// SemiStrict: also same opcodes.
	SemiStrict
	// Strict: also same operands, except jump/call operands.
	Strict
	// Coloring: register-coloring bijection after sorting opcodes within
	// each block; call targets are remapped via the rename map first.
	Coloring
)

// DiffResult is the output of Diff between two adjacent-version CGRs.
type DiffResult struct {
	New      map[string]struct{}
	Modified map[string]struct{}
	Renamed  map[string]string // new name -> old name
	Deleted  map[string]struct{}
}

// Diff classifies every function in target relative to base per spec.md
// §4.11: new (added), modified (changed callee set, when inspectAll),
// renamed (callers and callees match a deleted function one-to-one --
// matched pairs are removed from new/deleted and recorded in the rename
// map), and compares surviving CFGs under mode to decide which functions
// get marked diff=true.
func Diff(base, target *callgraph.CGR, mode CFGEquivalence, inspectAll bool) DiffResult {
	res := DiffResult{
		New:      make(map[string]struct{}),
		Modified: make(map[string]struct{}),
		Renamed:  make(map[string]string),
		Deleted:  make(map[string]struct{}),
	}

	for name := range base.Nodes {
		if _, ok := target.Nodes[name]; !ok {
			res.Deleted[name] = struct{}{}
		}
	}
	for name := range target.Nodes {
		if _, ok := base.Nodes[name]; !ok {
			res.New[name] = struct{}{}
		}
	}

	matchRenames(base, target, res)

	for name := range target.Nodes {
		if _, isNew := res.New[name]; isNew {
			continue
		}
		if _, wasRenamed := res.Renamed[name]; wasRenamed {
			continue
		}
		oldNode, ok := base.Nodes[name]
		if !ok {
			continue
		}
		newNode := target.Nodes[name]
		if inspectAll && !sameSet(oldNode.Callees, newNode.Callees) {
			res.Modified[name] = struct{}{}
			continue
		}
		if !cfgEquivalent(base.CFGs[name], target.CFGs[name], mode, res.Renamed) {
			res.Modified[name] = struct{}{}
			target.Nodes[name].Diff = true
		}
	}
	return res
}

// matchRenames pairs a deleted function with a new function when their
// caller and callee neighborhoods match one-to-one (spec.md §4.11
// "renamed: callers and callees match a deleted function one-to-one").
// Matched pairs are removed from New/Deleted and recorded in Renamed.
func matchRenames(base, target *callgraph.CGR, res DiffResult) {
	deletedNames := sortedSet(res.Deleted)
	for _, oldName := range deletedNames {
		oldNode := base.Nodes[oldName]
		for _, newName := range sortedSet(res.New) {
			newNode := target.Nodes[newName]
			if sameSet(oldNode.Callers, newNode.Callers) && sameSet(oldNode.Callees, newNode.Callees) {
				res.Renamed[newName] = oldName
				delete(res.New, newName)
				delete(res.Deleted, oldName)
				break
			}
		}
	}
}

func sortedSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// cfgEquivalent compares two CFGs under the given mode. Two nil CFGs count
// as equivalent (nothing to compare means nothing changed); a CFG present
// on only one side counts as not equivalent.
func cfgEquivalent(a, b *callgraph.CFG, mode CFGEquivalence, renames map[string]string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if len(a.Blocks) != len(b.Blocks) || !sameEdgeSet(a.Edges, b.Edges) {
		return false
	}
	if mode == Soft {
		return true
	}
	for i := range a.Blocks {
		if !blocksEquivalent(a.Blocks[i], b.Blocks[i], mode, renames) {
			return false
		}
	}
	return true
}

func sameEdgeSet(a, b [][2]int) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[[2]int]int, len(a))
	for _, e := range a {
		count[e]++
	}
	for _, e := range b {
		count[e]--
	}
	for _, c := range count {
		if c != 0 {
			return false
		}
	}
	return true
}

func blocksEquivalent(a, b callgraph.Block, mode CFGEquivalence, renames map[string]string) bool {
	if len(a.Opcodes) != len(b.Opcodes) {
		return false
	}
	if mode == SemiStrict || mode == Strict {
		for i := range a.Opcodes {
			if a.Opcodes[i] != b.Opcodes[i] {
				return false
			}
		}
	}
	if mode == Strict {
		for i := range a.Operands {
			if isJumpOrCall(a.Opcodes[i]) {
				continue // jump/call operands (targets) are excluded from Strict comparison
			}
			if !sameOperands(a.Operands[i], b.Operands[i]) {
				return false
			}
		}
	}
	if mode == Coloring {
		return coloringEquivalent(a, b, renames)
	}
	return true
}

func isJumpOrCall(opcode string) bool {
	switch opcode {
	case "jmp", "je", "jne", "jl", "jg", "jle", "jge", "call":
		return true
	default:
		return false
	}
}

func sameOperands(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// coloringEquivalent sorts opcodes within each block and checks a
// register-coloring bijection, remapping call targets through renames
// first (spec.md §4.11 "Coloring: register-coloring bijection after
// sorting opcodes within each block; call targets are remapped via the
// rename map before comparison").
func coloringEquivalent(a, b callgraph.Block, renames map[string]string) bool {
	aOps := append([]string(nil), a.Opcodes...)
	bOps := append([]string(nil), b.Opcodes...)
	aOperands := append([][]string(nil), a.Operands...)
	bOperands := remapCallTargets(b.Opcodes, b.Operands, renames)

	sortByOpcode(aOps, aOperands)
	sortByOpcode(bOps, bOperands)
	if !sameOperandsList(aOps, bOps) {
		return false
	}

	coloring := make(map[string]string)
	reverse := make(map[string]string)
	for i := range aOperands {
		for j, reg := range aOperands[i] {
			other := bOperands[i][j]
			if mapped, ok := coloring[reg]; ok {
				if mapped != other {
					return false
				}
			} else {
				if _, taken := reverse[other]; taken && reverse[other] != reg {
					return false
				}
				coloring[reg] = other
				reverse[other] = reg
			}
		}
	}
	return true
}

func remapCallTargets(opcodes []string, operands [][]string, renames map[string]string) [][]string {
	out := make([][]string, len(operands))
	for i, ops := range operands {
		if opcodes[i] != "call" {
			out[i] = ops
			continue
		}
		remapped := make([]string, len(ops))
		for j, o := range ops {
			if old, ok := renames[o]; ok {
				remapped[j] = old
			} else {
				remapped[j] = o
			}
		}
		out[i] = remapped
	}
	return out
}

func sortByOpcode(opcodes []string, operands [][]string) {
	idx := make([]int, len(opcodes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return opcodes[idx[i]] < opcodes[idx[j]] })
	sortedOps := make([]string, len(opcodes))
	sortedOperands := make([][]string, len(operands))
	for newPos, oldPos := range idx {
		sortedOps[newPos] = opcodes[oldPos]
		sortedOperands[newPos] = operands[oldPos]
	}
	copy(opcodes, sortedOps)
	copy(operands, sortedOperands)
}

func sameOperandsList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
