package probes

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Extractor runs the strategy-driven discovery pass described in spec.md
// §4.5: "nm -P" for function symbols, plus a back-end-supplied USDT lister
// when static probes are requested.
type Extractor struct {
	// Binary is the target executable; Libs are additional images.
	Binary string
	Libs   []string

	// USDTLister is back-end specific (SystemTap vs eBPF enumerate USDT
	// notes differently); nil disables USDT extraction.
	USDTLister func(image string) ([]string, error)

	// RunNM allows tests to stub out the "nm -P" subprocess.
	RunNM func(image string) (io.Reader, error)
}

func defaultRunNM(image string) (io.Reader, error) {
	out, err := exec.Command("nm", "-P", image).Output()
	if err != nil {
		return nil, fmt.Errorf("nm -P %s: %w", image, err)
	}
	return strings.NewReader(string(out)), nil
}

// pairSuffixes enumerates the fixed suffix-pair table from spec.md §4.5
// used to pair unannotated static USDT probes.
var pairSuffixes = [][2]string{
	{"begin", "end"},
	{"entry", "return"},
	{"start", "finish"},
	{"create", "destroy"},
	{"construct", "deconstruct"},
}

// pairFor returns the counterpart name implied by the suffix table, or ""
// if name does not end in any recognized suffix.
func pairFor(name string) string {
	for _, pair := range pairSuffixes {
		for i, suf := range pair {
			if strings.HasSuffix(name, suf) {
				other := pair[1-i]
				return strings.TrimSuffix(name, suf) + other
			}
		}
	}
	return ""
}

// keepUserSymbol implements the Userspace-strategy symbol filter: keep user
// symbols, drop compiler-generated ones starting with "_" unless they are
// mangled C++ names starting with "_Z".
func keepUserSymbol(name string) bool {
	if !strings.HasPrefix(name, "_") {
		return true
	}
	return strings.HasPrefix(name, "_Z")
}

// Extract runs "nm -P" over Binary and Libs (and the USDT lister, if
// enabled) and returns discovered function/USDT probes, not yet merged into
// a Probes container. Rows are filtered per strategy: Userspace/
// UserspaceSampled keep only type "T"; All/AllSampled additionally keep "W".
func (e *Extractor) Extract(strategy Strategy, withStatic bool, globalSampling int) (funcs []*Probe, usdt []*Probe, err error) {
	if strategy == Custom {
		return nil, nil, nil
	}

	runNM := e.RunNM
	if runNM == nil {
		runNM = defaultRunNM
	}

	images := append([]string{e.Binary}, e.Libs...)
	wantW := strategy == All || strategy == AllSampled
	userspaceOnly := strategy == Userspace || strategy == UserspaceSampled

	for _, image := range images {
		r, nmErr := runNM(image)
		if nmErr != nil {
			return nil, nil, nmErr
		}
		names, perr := parseNMOutput(r, wantW)
		if perr != nil {
			return nil, nil, perr
		}
		for _, name := range names {
			if userspaceOnly && !keepUserSymbol(name) {
				continue
			}
			funcs = append(funcs, &Probe{Name: name, Lib: image, Sample: sampleFor(strategy, globalSampling)})
		}
	}

	if withStatic && e.USDTLister != nil {
		for _, image := range images {
			names, lerr := e.USDTLister(image)
			if lerr != nil {
				return nil, nil, lerr
			}
			usdt = append(usdt, pairStatic(names, image, sampleFor(strategy, globalSampling))...)
		}
	}

	return funcs, usdt, nil
}

func sampleFor(strategy Strategy, globalSampling int) int {
	if strategy.Sampled() {
		return globalSampling
	}
	return 1
}

// parseNMOutput parses "nm -P" rows: "name type addr size". Rows with type
// "T" are always kept; "W" is kept only if wantW (the All strategy).
func parseNMOutput(r io.Reader, wantW bool) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		name, typ := fields[0], fields[1]
		switch typ {
		case "T":
			names = append(names, name)
		case "W":
			if wantW {
				names = append(names, name)
			}
		}
	}
	return names, sc.Err()
}

// pairStatic implements the USDT pairing rule from spec.md §4.5: an
// explicit "#" in the name splits entry/exit; otherwise a name ending in a
// recognized suffix is paired with its computed counterpart if present in
// the same listing; everything else becomes a single USDT probe.
func pairStatic(names []string, image string, sample int) []*Probe {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	paired := make(map[string]bool, len(names))
	var out []*Probe

	for _, n := range names {
		if paired[n] {
			continue
		}
		if strings.Contains(n, "#") {
			parts := strings.SplitN(n, "#", 2)
			entry := &Probe{Name: parts[0], Lib: image, Sample: sample, Pair: parts[1]}
			exit := &Probe{Name: parts[1], Lib: image, Sample: sample, Pair: parts[0]}
			out = append(out, entry, exit)
			paired[parts[0]] = true
			paired[parts[1]] = true
			continue
		}
		if other := pairFor(n); other != "" && set[other] && !paired[other] {
			entry := &Probe{Name: n, Lib: image, Sample: sample, Pair: other}
			exit := &Probe{Name: other, Lib: image, Sample: sample, Pair: n}
			out = append(out, entry, exit)
			paired[n] = true
			paired[other] = true
			continue
		}
		out = append(out, &Probe{Name: n, Lib: image, Sample: sample, Pair: n})
		paired[n] = true
	}
	return out
}
