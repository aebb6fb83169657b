package probes

// Resolver answers the parser's "what probe does this id/name belong to"
// lookups after AddProbeIDs has run. It is built once and is read-only,
// matching the "Probes are immutable after add_probe_ids()" lifecycle rule.
type Resolver struct {
	byID   map[int]*Probe
	byName map[string]*Probe
}

// NewResolver builds a lookup index over every probe in the container.
func (p *Probes) NewResolver() *Resolver {
	r := &Resolver{byID: make(map[int]*Probe), byName: make(map[string]*Probe)}
	for _, pr := range p.All() {
		r.byID[pr.ID] = pr
		r.byName[pr.Name] = pr
	}
	return r
}

func (r *Resolver) ByID(id int) (*Probe, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Resolver) ByName(name string) (*Probe, bool) {
	p, ok := r.byName[name]
	return p, ok
}
