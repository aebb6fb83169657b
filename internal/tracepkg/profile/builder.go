package profile

import "context"

// Profile is the folded result of a collection run: every resource in
// arrival order and bucketed by uid. It intentionally does not attempt a portable on-disk format -- per
// spec.md §1 that is handed off to an external collaborator.
type Profile struct {
	Workload  string
	Resources []Resource

	byUID   map[string][]Resource
	Aborted bool // set when ctx was cancelled before the producer signalled end-of-input
}

func newProfile(workload string) *Profile {
	return &Profile{Workload: workload, byUID: make(map[string][]Resource)}
}

func (p *Profile) add(r Resource) {
	p.Resources = append(p.Resources, r)
	p.byUID[r.UID] = append(p.byUID[r.UID], r)
}

// ForUID returns every resource observed for a given uid, in arrival order.
func (p *Profile) ForUID(uid string) []Resource { return p.byUID[uid] }

// chunkSize bounds how many resources travel through the channel per send,
// trading a little latency for much less channel contention on the hot
// parser path (spec.md §4.9).
const chunkSize = 256

// Builder owns the producer/consumer pipeline described in spec.md §4.9: the
// parser (producer) pushes chunks of resources through a bounded channel;
// a separate goroutine (consumer) folds them into a Profile and replies on a
// second channel once the producer signals end-of-input by closing its feed.
type Builder struct {
	workload string
	in       chan []Resource
	out      chan *Profile
	done     chan struct{}
}

// NewBuilder starts the consumer goroutine immediately; it runs until
// Finish signals end-of-input (by closing the input channel) or ctx is
// cancelled, whichever happens first -- mirroring the "runs under the
// same cancellation discipline as every other subprocess" rule in §9.
func NewBuilder(ctx context.Context, workload string) *Builder {
	b := &Builder{
		workload: workload,
		in:       make(chan []Resource, 4),
		out:      make(chan *Profile, 1),
		done:     make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

func (b *Builder) run(ctx context.Context) {
	defer close(b.done)
	prof := newProfile(b.workload)
	for {
		select {
		case chunk, ok := <-b.in:
			if !ok {
				b.out <- prof
				return
			}
			for _, r := range chunk {
				prof.add(r)
			}
		case <-ctx.Done():
			prof.Aborted = true
			b.out <- prof
			return
		}
	}
}

// Push enqueues a chunk of resources. It blocks if the channel is full,
// which is the intended backpressure: the parser is the only CPU-bound
// thread (spec.md §5) and should not race ahead of the fold.
func (b *Builder) Push(chunk []Resource) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]Resource, len(chunk))
	copy(cp, chunk)
	b.in <- cp
}

// Finish signals end-of-input and waits for the folded Profile.
func (b *Builder) Finish() *Profile {
	close(b.in)
	return <-b.out
}

// Chunker buffers resources emitted one at a time by the parser and flushes
// them to the Builder once chunkSize is reached, amortizing channel sends.
type Chunker struct {
	b   *Builder
	buf []Resource
}

func NewChunker(b *Builder) *Chunker {
	return &Chunker{b: b, buf: make([]Resource, 0, chunkSize)}
}

func (c *Chunker) Emit(r Resource) {
	c.buf = append(c.buf, r)
	if len(c.buf) >= chunkSize {
		c.Flush()
	}
}

func (c *Chunker) Flush() {
	if len(c.buf) == 0 {
		return
	}
	c.b.Push(c.buf)
	c.buf = c.buf[:0]
}
