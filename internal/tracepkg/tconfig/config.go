// Package tconfig implements the Configuration model (spec.md §3
// "Configuration"): a normalized, immutable-after-construction value built
// from CLI flags via github.com/mitchellh/mapstructure, plus the
// Basic/Advanced/Full optimization pipeline presets.
package tconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
)

// OutputHandling controls what happens to the target program's stdout.
type OutputHandling int

const (
	Default OutputHandling = iota
	Capture
	Suppress
)

func ParseOutputHandling(s string) (OutputHandling, bool) {
	switch s {
	case "default", "":
		return Default, true
	case "capture":
		return Capture, true
	case "suppress":
		return Suppress, true
	default:
		return Default, false
	}
}

// Engine selects the collection back-end.
type Engine int

const (
	SystemTap Engine = iota
	EBPF
)

func ParseEngine(s string) (Engine, bool) {
	switch s {
	case "stap", "systemtap":
		return SystemTap, true
	case "ebpf":
		return EBPF, true
	default:
		return SystemTap, false
	}
}

// RawFlags is the shape a CLI layer (e.g. a kong struct) decodes into before
// normalization; field names match mapstructure tags so a kong.Kong{} run
// can feed its parsed struct straight into Normalize via mapstructure.Decode.
type RawFlags struct {
	Command       string   `mapstructure:"command"`
	Binary        string   `mapstructure:"binary"`
	Libs          []string `mapstructure:"libs"`
	Strategy      string   `mapstructure:"strategy"`
	Func          []string `mapstructure:"func"`
	FuncSampled   []string `mapstructure:"func_sampled"`
	Static        []string `mapstructure:"static"`
	StaticSampled []string `mapstructure:"static_sampled"`
	WithStatic    bool     `mapstructure:"with_static"`
	GlobalSample  int      `mapstructure:"global_sampling"`
	Timeout       int      `mapstructure:"timeout"`
	Engine        string   `mapstructure:"engine"`
	Output        string   `mapstructure:"output_handling"`
	KeepTemps     bool     `mapstructure:"keep_temps"`
	ZipTemps      bool     `mapstructure:"zip_temps"`
	VerboseTrace  bool     `mapstructure:"verbose_trace"`
	Quiet         bool     `mapstructure:"quiet"`
	Watchdog      bool     `mapstructure:"watchdog"`
	Diagnostics   bool     `mapstructure:"diagnostics"`
	Pipeline      string   `mapstructure:"pipeline"`
}

// Configuration is immutable after Normalize returns (spec.md §3).
type Configuration struct {
	Binary   string
	Libs     []string
	Command  string
	Workload string
	Args     []string

	Timeout        time.Duration
	HasTimeout     bool
	OutputHandling OutputHandling
	VerboseTrace   bool
	KeepTemps      bool
	ZipTemps       bool
	Watchdog       bool
	Quiet          bool

	PID              int
	CollectTimestamp int64
	FilesDir         string
	LocksDir         string

	Engine Engine

	Strategy       probes.Strategy
	Func           []string
	FuncSampled    map[string]int
	Static         []string
	StaticSampled  map[string]int
	WithStatic     bool
	GlobalSampling int

	Pipeline Pipeline
}

// Normalize decodes raw into a RawFlags-shaped value via mapstructure (so it
// accepts a kong flags struct, a YAML-decoded map, or a RawFlags literal
// alike), then builds the immutable Configuration, applying the diagnostics
// implication from spec.md §3: "If diagnostics is set it implies
// {zip-temps, verbose-trace, watchdog, Capture}".
func Normalize(raw interface{}, tmpRoot, logRoot string, pid int, now int64) (*Configuration, error) {
	var f RawFlags
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &f,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("configuration decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("configuration decode: %w", err)
	}

	if f.Command == "" {
		return nil, fmt.Errorf("configuration invalid: command is required")
	}
	commandParts := strings.Fields(f.Command)
	if len(commandParts) == 0 {
		return nil, fmt.Errorf("configuration invalid: command is required")
	}
	binary := f.Binary
	if binary == "" {
		binary = commandParts[0]
	}
	resolved, err := resolveExecutable(binary)
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	strategy, ok := probes.ParseStrategy(f.Strategy)
	if f.Strategy != "" && !ok {
		return nil, fmt.Errorf("configuration invalid: unknown strategy %q", f.Strategy)
	}

	engine, ok := ParseEngine(f.Engine)
	if f.Engine != "" && !ok {
		return nil, fmt.Errorf("configuration invalid: unknown engine %q", f.Engine)
	}

	output, ok := ParseOutputHandling(f.Output)
	if f.Output != "" && !ok {
		return nil, fmt.Errorf("configuration invalid: unknown output_handling %q", f.Output)
	}

	if f.Diagnostics {
		f.ZipTemps = true
		f.VerboseTrace = true
		f.Watchdog = true
		output = Capture
	}

	cfg := &Configuration{
		Binary:           resolved,
		Libs:             f.Libs,
		Command:          f.Command,
		Workload:         filepath.Base(resolved),
		Args:             commandParts[1:],
		Timeout:          time.Duration(f.Timeout) * time.Second,
		HasTimeout:       f.Timeout > 0,
		OutputHandling:   output,
		VerboseTrace:     f.VerboseTrace,
		KeepTemps:        f.KeepTemps,
		ZipTemps:         f.ZipTemps,
		Watchdog:         f.Watchdog,
		Quiet:            f.Quiet,
		PID:              pid,
		CollectTimestamp: now,
		FilesDir:         filepath.Join(tmpRoot, "files"),
		LocksDir:         filepath.Join(tmpRoot, "locks"),
		Engine:           engine,
		Strategy:         strategy,
		Func:             f.Func,
		Static:           f.Static,
		WithStatic:       f.WithStatic || len(f.Static) > 0 || len(f.StaticSampled) > 0,
		GlobalSampling:   f.GlobalSample,
	}
	cfg.FuncSampled, err = parseSampledList(f.FuncSampled)
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: func_sampled: %w", err)
	}
	cfg.StaticSampled, err = parseSampledList(f.StaticSampled)
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: static_sampled: %w", err)
	}
	cfg.Pipeline = ParsePipeline(f.Pipeline)
	return cfg, nil
}

// resolveExecutable follows symlinks and checks the executable bit (spec.md
// §4.12 "Pre" phase: "resolve executable paths (symlinks + executable bit)").
func resolveExecutable(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve binary %q: %w", path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("cannot stat binary %q: %w", resolved, err)
	}
	if info.Mode()&0111 == 0 {
		return "", fmt.Errorf("binary %q is not executable", resolved)
	}
	return resolved, nil
}

// parseSampledList parses "name:sample" pairs used by --func_sampled /
// --static_sampled, clamping sample to >=1.
func parseSampledList(entries []string) (map[string]int, error) {
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		name, sampleStr, ok := cut(e, ":")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q, want name:sample", e)
		}
		n, err := parsePositiveInt(sampleStr)
		if err != nil {
			return nil, fmt.Errorf("malformed sample in %q: %w", e, err)
		}
		if n < 1 {
			n = 1
		}
		out[name] = n
	}
	return out, nil
}

func cut(s, sep string) (before, after string, found bool) {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty integer")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not an integer: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
