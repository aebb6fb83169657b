package probes

import (
	"strconv"
	"strings"
)

// ParseSpec parses a user probe spec per the grammar in spec.md §6:
//
//	name | lib#name | name#sample | lib#name#sample
//
// Parsing is lenient (spec.md §4.5): 1 token is a bare name, 2 tokens are
// either (name, sample) when the second token is an integer or (lib, name)
// otherwise, 3 tokens are the full form, and anything else falls back to a
// name-only probe on the target binary with sample=globalSampling.
func ParseSpec(spec, binary string, globalSampling int) *Probe {
	parts := strings.Split(spec, "#")

	clamp := func(n int) int {
		if n < 1 {
			return 1
		}
		return n
	}

	switch len(parts) {
	case 1:
		return &Probe{Name: parts[0], Lib: binary, Sample: clamp(globalSampling)}
	case 2:
		if n, err := strconv.Atoi(parts[1]); err == nil {
			return &Probe{Name: parts[0], Lib: binary, Sample: clamp(n)}
		}
		return &Probe{Name: parts[1], Lib: parts[0], Sample: clamp(globalSampling)}
	case 3:
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			n = globalSampling
		}
		return &Probe{Name: parts[1], Lib: parts[0], Sample: clamp(n)}
	default:
		return &Probe{Name: spec, Lib: binary, Sample: clamp(globalSampling)}
	}
}

// ParseSpecs parses a batch of specs, marking sample>1 probes' SampleIndex
// as pending (assigned later by AddProbeIDs).
func ParseSpecs(specs []string, binary string, globalSampling int) []*Probe {
	out := make([]*Probe, 0, len(specs))
	for _, s := range specs {
		out = append(out, ParseSpec(s, binary, globalSampling))
	}
	return out
}
