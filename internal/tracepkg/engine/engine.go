// Package engine defines the collection-engine abstraction (spec.md §4.6):
// every back-end (SystemTap, eBPF) exposes the same lifecycle, and shares a
// Base that pre-allocates temp file paths and provides zip-and-delete
// finalization.
package engine

import (
	"context"
	"fmt"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/parse"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/temp"
)

// Role identifies a role-suffixed temp file, spec.md §4.6's
// "collect_<role>_<ts>_<pid>.<ext>" shape.
type Role string

const (
	RoleScript      Role = "script"
	RoleLog         Role = "log"
	RoleData        Role = "data"
	RoleCapture     Role = "capture"
	RoleProgram     Role = "program"
	RoleRuntimeConf Role = "runtime_conf"
	RolePintoolSrc  Role = "pintool_src"
	RolePintoolMake Role = "pintool_makefile"
)

var extByRole = map[Role]string{
	RoleScript:      "stp",
	RoleLog:         "log",
	RoleData:        "data",
	RoleCapture:     "out",
	RoleProgram:     "c",
	RoleRuntimeConf: "json",
	RolePintoolSrc:  "cpp",
	RolePintoolMake: "mk",
}

// Engine is the abstract collection back-end lifecycle from spec.md §4.6.
type Engine interface {
	CheckDependencies() error
	AvailableUSDT(images []string) (map[string][]string, error)
	AssembleCollectProgram(ctx context.Context, ps *probes.Probes) error
	Collect(ctx context.Context, ps *probes.Probes) error
	// Transform folds the engine's collected raw data into a Profile and
	// the parse Context the optimization/call-graph layers consume on
	// the next run (spec.md §4.8-§4.9).
	Transform(ctx context.Context, ps *probes.Probes) (*profile.Profile, *parse.Context, error)
	Cleanup() error
}

// Base is embedded by every concrete engine: it owns the temp store handle
// and pre-allocates every role-suffixed path the engine might touch,
// protecting them from accidental deletion until Finalize runs (spec.md
// §4.6 "touches them as protected").
type Base struct {
	Store     *temp.Store
	Timestamp int64
	PID       int

	paths map[Role]string
}

func NewBase(store *temp.Store, timestamp int64, pid int) *Base {
	return &Base{Store: store, Timestamp: timestamp, PID: pid, paths: make(map[Role]string)}
}

// Allocate pre-allocates and touches (as protected) the path for role,
// returning it for repeated use by the concrete engine.
func (b *Base) Allocate(role Role) (string, error) {
	if p, ok := b.paths[role]; ok {
		return p, nil
	}
	ext, ok := extByRole[role]
	if !ok {
		return "", fmt.Errorf("engine: unknown role %q", role)
	}
	name := fmt.Sprintf("collect_%s_%d_%d.%s", role, b.Timestamp, b.PID, ext)
	path, err := b.Store.TouchFile(name, true)
	if err != nil {
		return "", fmt.Errorf("engine: allocate %s: %w", role, err)
	}
	b.paths[role] = path
	return path, nil
}

// Path returns a previously-allocated role's path without touching it
// again; it panics if the role was never allocated, since that is a
// programmer error within a single engine implementation.
func (b *Base) Path(role Role) string {
	p, ok := b.paths[role]
	if !ok {
		panic(fmt.Sprintf("engine: role %q never allocated", role))
	}
	return p
}

// Finalize implements spec.md §4.6's "zip-and-delete finalization that
// writes every surviving path into the session archive": it archives every
// still-present allocated path into archivePath via archiver, then deletes
// the originals from the temp store unless keep is set.
func (b *Base) Finalize(archivePath string, archiver func(paths []string, dest string) error, keep bool) error {
	var surviving []string
	for _, p := range b.paths {
		if _, err := b.Store.Read(p); err == nil {
			surviving = append(surviving, p)
		}
	}
	if len(surviving) == 0 {
		return nil
	}
	if err := archiver(surviving, archivePath); err != nil {
		return fmt.Errorf("engine: archive temp files: %w", err)
	}
	if keep {
		return nil
	}
	for _, p := range b.paths {
		_ = b.Store.SetProtected(p, false)
		_ = b.Store.DeleteFile(p, false, false)
	}
	return nil
}
