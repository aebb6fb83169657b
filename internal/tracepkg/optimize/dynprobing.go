package optimize

import (
	"sync"
	"time"
)

// ProbeState is one probe's runtime detach/reattach bookkeeping for the
// eBPF worker's dynamic-probing thread (spec.md §4.11 "Dynamic Probing
// (runtime)").
type ProbeState struct {
	Attached      bool
	CallCount     int64
	Interval      time.Duration
	ReattachAfter time.Time
}

// DynamicProber periodically detaches probes whose call counter exceeds a
// threshold and, in re-attach mode, re-attaches them later with exponential
// back-off. Detach/attach are delegated to callbacks so this package stays
// independent of the eBPF engine's link/perf types.
type DynamicProber struct {
	mu       sync.Mutex
	states   map[int]*ProbeState // probe id -> state
	p        Parameters
	detach   func(id int) error
	attach   func(id int) error
	reattach bool // whether detached probes are ever re-attached
}

func NewDynamicProber(p Parameters, reattach bool, detach, attach func(id int) error) *DynamicProber {
	return &DynamicProber{
		states:   make(map[int]*ProbeState),
		p:        p,
		detach:   detach,
		attach:   attach,
		reattach: reattach,
	}
}

// Track registers a probe as attached with a one-second base interval.
func (d *DynamicProber) Track(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[id] = &ProbeState{Attached: true, Interval: time.Second}
}

// Count records one observed invocation of probe id.
func (d *DynamicProber) Count(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[id]; ok {
		s.CallCount++
	}
}

// Tick runs one pass of the periodic detach/reattach thread (spec.md
// §4.11): detach any attached probe whose call counter exceeds the
// threshold, recording an increasing back-off and a re-attach deadline; for
// any detached probe whose deadline has elapsed, re-attach it with its
// counter reset and double its interval for the next detachment.
func (d *DynamicProber) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.states {
		if s.Attached && int64(d.p.DynProbeThreshold) > 0 && s.CallCount > int64(d.p.DynProbeThreshold) {
			if err := d.detach(id); err != nil {
				continue
			}
			s.Attached = false
			if s.Interval == 0 {
				s.Interval = time.Second
			}
			s.ReattachAfter = now.Add(s.Interval)
			continue
		}
		if !s.Attached && d.reattach && !now.Before(s.ReattachAfter) {
			if err := d.attach(id); err != nil {
				continue
			}
			s.Attached = true
			s.CallCount = 0
			s.Interval = time.Duration(float64(s.Interval) * d.p.DynProbeBackoffBase)
		}
	}
}

// Snapshot returns a shallow copy of the current per-probe state.
func (d *DynamicProber) Snapshot() map[int]ProbeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]ProbeState, len(d.states))
	for id, s := range d.states {
		out[id] = *s
	}
	return out
}
