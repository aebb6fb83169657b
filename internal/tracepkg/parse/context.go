package parse

// stackEntry is one pending FUNC_BEGIN on a thread's call stack.
type stackEntry struct {
	ID         int
	Name       string
	Timestamp  int64
	Seq        uint64
	CalleeTime int64 // accumulated callee time, folded into exclusive at exit
	CalleeTmp  int64 // timestamp of the most recent unmatched callee entry, 0 if none
	BottomFlag bool  // true iff no callee has been observed since this frame began
}

// usdtEntry is one pending USDT_BEGIN (or USDT_SINGLE) on a thread's
// per-probe stack.
type usdtEntry struct {
	Timestamp int64
	Seq       uint64
}

// threadContext is the per-tid parser state from spec.md §3
// "Thread context (parser-side)".
type threadContext struct {
	hasStart      bool
	startPID      int
	startTS       int64
	funcStack     []stackEntry
	usdtStack     map[int][]usdtEntry // keyed by probe id
	singleStack   map[int][]usdtEntry // USDT_SINGLE occurrences, keyed by probe id
	depth         int
	lastTimestamp int64
}

func newThreadContext() *threadContext {
	return &threadContext{
		usdtStack:   make(map[int][]usdtEntry),
		singleStack: make(map[int][]usdtEntry),
	}
}

// Metrics accumulates the parser-side counters described in spec.md §4.8 and
// §7 ("RecordCorrupt", "DataWriteIncomplete").
type Metrics struct {
	CorruptCount      int
	AbruptTermination bool
}

// CallGraph is the dynamic caller->callees map the parser builds as a
// side-effect (spec.md §3 "Call graph resource"; the orchestrator merges it
// into the persisted call graph with callgraph.AddDyn at the end of the
// run). It is written only by the parser goroutine so it needs no
// locking (spec.md §5).
type CallGraph map[string]map[string]struct{}

func (g CallGraph) addEdge(caller, callee string) {
	if caller == "" || callee == "" || caller == callee {
		return
	}
	callees, ok := g[caller]
	if !ok {
		callees = make(map[string]struct{})
		g[caller] = callees
	}
	callees[callee] = struct{}{}
}

// Bottom is bottom[tid][probeID] -> accumulated leaf time, populated when a
// FUNC_END's frame never observed a callee (spec.md §4.8).
type Bottom map[int]map[int]int64

func (b Bottom) credit(tid, id int, amount int64) {
	m, ok := b[tid]
	if !ok {
		m = make(map[int]int64)
		b[tid] = m
	}
	m[id] += amount
}

// Context is the full parser state for one collection run.
type Context struct {
	threads   map[int]*threadContext
	DynCG     CallGraph
	Bottom    Bottom
	ProbesHit map[int]struct{}
	Metrics   Metrics

	seq map[int]map[int]uint64 // tid -> probe id -> next seq value
}

func NewContext() *Context {
	return &Context{
		threads:   make(map[int]*threadContext),
		DynCG:     make(CallGraph),
		Bottom:    make(Bottom),
		ProbesHit: make(map[int]struct{}),
		seq:       make(map[int]map[int]uint64),
	}
}

func (c *Context) thread(tid int) *threadContext {
	tc, ok := c.threads[tid]
	if !ok {
		tc = newThreadContext()
		c.threads[tid] = tc
	}
	return tc
}

// nextSeq returns the current sequence value for (tid, probeID) and steps it
// by step (the probe's Sample), implementing the "call-order is a
// stride-aware index" rule from spec.md §4.8.
func (c *Context) nextSeq(tid, probeID, step int) uint64 {
	m, ok := c.seq[tid]
	if !ok {
		m = make(map[int]uint64)
		c.seq[tid] = m
	}
	cur := m[probeID]
	if step < 1 {
		step = 1
	}
	m[probeID] = cur + uint64(step)
	return cur
}

// OpenThreadTIDs returns every tid whose stack is still non-empty; the
// orchestrator logs them at debug level after parsing.
func (c *Context) OpenThreadTIDs() []int {
	var out []int
	for tid, tc := range c.threads {
		if len(tc.funcStack) > 0 {
			out = append(out, tid)
		}
	}
	return out
}
