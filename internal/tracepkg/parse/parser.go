package parse

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
)

// probeInfo is the subset of probes.Probe the parser needs per record.
type probeInfo struct {
	ID     int
	Name   string
	Lib    string
	Sample int
	Pair   string
}

// Resolver maps a raw wire id (string, per spec.md §3: "the probe's string
// name in verbose mode and a small integer in compact mode") to probe
// metadata.
type Resolver struct {
	r       *probes.Resolver
	verbose bool
}

func NewResolver(r *probes.Resolver, verbose bool) *Resolver {
	return &Resolver{r: r, verbose: verbose}
}

func (res *Resolver) resolve(token string) (probeInfo, bool) {
	var p *probes.Probe
	var ok bool
	if res.verbose {
		p, ok = res.r.ByName(token)
	} else {
		id, err := strconv.Atoi(token)
		if err != nil {
			return probeInfo{}, false
		}
		p, ok = res.r.ByID(id)
	}
	if !ok {
		return probeInfo{}, false
	}
	return probeInfo{ID: p.ID, Name: p.Name, Lib: filepath.Base(p.Lib), Sample: p.Sample, Pair: p.Pair}, true
}

// Options configures a parse run.
type Options struct {
	Workload string
	// KnownProcess reports whether a PROCESS_BEGIN's pid belongs to a
	// configured target (spec.md §4.8 "ignored if the image name is not
	// among the known targets"); nil accepts everything.
	KnownProcess func(pid int) bool
}

// Parse reads the compact raw-event stream from r, reconstructing per-thread
// stacks and emitting resources to chunker (spec.md §4.8). It returns the
// final parse Context (dynamic call graph, bottom-time table, metrics) once
// the stream is exhausted.
func Parse(r io.Reader, resolver *Resolver, opts Options, chunker *profile.Chunker) *Context {
	ctx := NewContext()
	known := opts.KnownProcess
	if known == nil {
		known = func(int) bool { return true }
	}

	var lastLine string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		lastLine = line
		raw := ParseLine(line)
		if raw.Type == Corrupt {
			ctx.Metrics.CorruptCount++
			continue
		}
		handle(ctx, resolver, opts.Workload, known, raw, chunker)
	}
	chunker.Flush()

	if !endsWithProcessEnd(lastLine) {
		ctx.Metrics.AbruptTermination = true
		synthesizeMainResource(ctx, opts.Workload, chunker)
		chunker.Flush()
	}

	return ctx
}

func endsWithProcessEnd(line string) bool {
	raw := ParseLine(line)
	return raw.Type == ProcessEnd
}

func handle(ctx *Context, resolver *Resolver, workload string, known func(int) bool, raw RawRecord, chunker *profile.Chunker) {
	tc := ctx.thread(raw.TID)
	tc.lastTimestamp = raw.Timestamp

	switch raw.Type {
	case FuncBegin:
		handleFuncBegin(ctx, resolver, raw, tc)
	case FuncEnd:
		handleFuncEnd(ctx, resolver, workload, raw, tc, chunker)
	case UsdtSingle:
		handleUsdtSingle(ctx, resolver, workload, raw, tc, chunker)
	case UsdtBegin:
		handleUsdtBegin(ctx, resolver, raw, tc)
	case UsdtEnd:
		handleUsdtEnd(ctx, resolver, workload, raw, tc, chunker)
	case ThreadBegin:
		tc.hasStart = true
		tc.startPID = raw.PID
		tc.startTS = raw.Timestamp
	case ThreadEnd:
		if tc.hasStart {
			chunker.Emit(profile.NewThreadResource(workload, "", raw.TID, tc.startTS, raw.Timestamp))
		}
		delete(ctx.threads, raw.TID)
	case ProcessBegin:
		if !known(raw.PID) {
			return
		}
		tc.hasStart = true
		tc.startPID = raw.PID
		tc.startTS = raw.Timestamp
	case ProcessEnd:
		if tc.hasStart {
			chunker.Emit(profile.NewThreadResource(workload, "", raw.TID, tc.startTS, raw.Timestamp))
			if raw.TID == raw.PID {
				chunker.Emit(profile.NewProcessResource(workload, "", raw.TID, raw.PID, raw.PPID, tc.startTS, raw.Timestamp))
			}
		}
		delete(ctx.threads, raw.TID)
	}
}

func handleFuncBegin(ctx *Context, resolver *Resolver, raw RawRecord, tc *threadContext) {
	pi, ok := resolver.resolve(raw.ProbeID)
	if !ok {
		ctx.Metrics.CorruptCount++
		return
	}
	ctx.ProbesHit[pi.ID] = struct{}{}

	if len(tc.funcStack) > 0 {
		caller := &tc.funcStack[len(tc.funcStack)-1]
		if caller.CalleeTmp != 0 {
			caller.CalleeTime += raw.Timestamp - caller.CalleeTmp
		}
		caller.CalleeTmp = raw.Timestamp
		caller.BottomFlag = false
		ctx.DynCG.addEdge(caller.Name, pi.Name)
	}

	seq := ctx.nextSeq(raw.TID, pi.ID, pi.Sample)
	tc.funcStack = append(tc.funcStack, stackEntry{
		ID: pi.ID, Name: pi.Name, Timestamp: raw.Timestamp, Seq: seq, BottomFlag: true,
	})
	tc.depth++
}

func handleFuncEnd(ctx *Context, resolver *Resolver, workload string, raw RawRecord, tc *threadContext, chunker *profile.Chunker) {
	pi, ok := resolver.resolve(raw.ProbeID)
	if !ok {
		ctx.Metrics.CorruptCount++
		return
	}

	idx := -1
	for i := len(tc.funcStack) - 1; i >= 0; i-- {
		e := tc.funcStack[i]
		if e.ID == pi.ID && e.Timestamp < raw.Timestamp {
			idx = i
			break
		}
	}
	if idx < 0 {
		// No matching entry: the record is dropped (spec.md §4.8).
		return
	}

	matched := tc.funcStack[idx]
	diff := len(tc.funcStack) - idx
	tc.funcStack = tc.funcStack[:idx]
	tc.depth -= diff

	res := profile.NewCallResource(workload, pi.Lib, pi.Name, raw.TID, matched.Timestamp, raw.Timestamp, matched.Seq, matched.CalleeTime)
	chunker.Emit(res)

	if len(tc.funcStack) > 0 {
		newTop := &tc.funcStack[len(tc.funcStack)-1]
		if newTop.CalleeTmp != 0 {
			newTop.CalleeTime += raw.Timestamp - newTop.CalleeTmp
			newTop.CalleeTmp = 0
		}
	}
	if matched.BottomFlag {
		ctx.Bottom.credit(raw.TID, pi.ID, res.Amount)
	}
}

// handleUsdtSingle implements spec.md §4.8: pop the last occurrence with
// the same id on this tid (if any), always push the current record, and
// emit a resource with uid "entry#entry" when a match was popped.
func handleUsdtSingle(ctx *Context, resolver *Resolver, workload string, raw RawRecord, tc *threadContext, chunker *profile.Chunker) {
	pi, ok := resolver.resolve(raw.ProbeID)
	if !ok {
		ctx.Metrics.CorruptCount++
		return
	}
	ctx.ProbesHit[pi.ID] = struct{}{}

	stack := tc.singleStack[pi.ID]
	var matched *usdtEntry
	if n := len(stack); n > 0 {
		m := stack[n-1]
		matched = &m
		stack = stack[:n-1]
	}
	seq := ctx.nextSeq(raw.TID, pi.ID, pi.Sample)
	stack = append(stack, usdtEntry{Timestamp: raw.Timestamp, Seq: seq})
	tc.singleStack[pi.ID] = stack

	if matched != nil {
		uid := pi.Name + "#" + pi.Name
		chunker.Emit(profile.NewCallResource(workload, pi.Lib, uid, raw.TID, matched.Timestamp, raw.Timestamp, matched.Seq, 0))
	}
}

func handleUsdtBegin(ctx *Context, resolver *Resolver, raw RawRecord, tc *threadContext) {
	pi, ok := resolver.resolve(raw.ProbeID)
	if !ok {
		ctx.Metrics.CorruptCount++
		return
	}
	ctx.ProbesHit[pi.ID] = struct{}{}
	seq := ctx.nextSeq(raw.TID, pi.ID, pi.Sample)
	tc.usdtStack[pi.ID] = append(tc.usdtStack[pi.ID], usdtEntry{Timestamp: raw.Timestamp, Seq: seq})
}

func handleUsdtEnd(ctx *Context, resolver *Resolver, workload string, raw RawRecord, tc *threadContext, chunker *profile.Chunker) {
	pi, ok := resolver.resolve(raw.ProbeID)
	if !ok {
		ctx.Metrics.CorruptCount++
		return
	}
	entryPI, ok := resolver.r.ByName(pi.Pair)
	if !ok {
		return
	}
	stack := tc.usdtStack[entryPI.ID]
	if len(stack) == 0 {
		return
	}
	matched := stack[len(stack)-1]
	tc.usdtStack[entryPI.ID] = stack[:len(stack)-1]

	uid := entryPI.Name + "#" + pi.Name
	chunker.Emit(profile.NewCallResource(workload, pi.Lib, uid, raw.TID, matched.Timestamp, raw.Timestamp, matched.Seq, 0))
}

// synthesizeMainResource implements spec.md §4.8's best-effort fallback:
// when the stream ends without a PROCESS_END sentinel, emit a synthetic
// resource for "main" using the last observed timestamp on any thread whose
// stack still holds it.
func synthesizeMainResource(ctx *Context, workload string, chunker *profile.Chunker) {
	for tid, tc := range ctx.threads {
		for _, e := range tc.funcStack {
			if e.Name == "main" {
				chunker.Emit(profile.NewCallResource(workload, "", "main", tid, e.Timestamp, tc.lastTimestamp, e.Seq, e.CalleeTime))
			}
		}
	}
}
