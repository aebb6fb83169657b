package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	jsoniter "github.com/json-iterator/go"

	tebpf "github.com/Perfexionists/perun-trace/internal/tracepkg/engine/ebpf"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// workerCmd is the privileged process the ebpf engine launches via
// supervisor.Start (spec.md §4.6): it compiles the assembled C program,
// loads it, attaches a uprobe/uretprobe pair per function probe, runs the
// target under it, and drains the perf buffer into the engine's data file
// as the same compact text records the SystemTap engine produces, so
// parse.Parse needs no engine-specific branch.
type workerCmd struct {
	ConfigPath string `name:"config" required:"" help:"Path to the RuntimeConfig JSON written by the ebpf engine."`
}

// bpfEvent mirrors the C "struct record" layout emitted by
// assemble.EBPFProgram's uprobe/uretprobe sections: field order and types
// match exactly, so the compiler's alignment rules reproduce the same
// padding as the C struct once compiled for the same architecture.
type bpfEvent struct {
	TID     uint32
	ProbeID uint32
	Kind    uint8
	_       [7]byte // padding to align TsNs on an 8-byte boundary
	TsNs    uint64
}

func (w *workerCmd) Run() error {
	b, err := os.ReadFile(w.ConfigPath)
	if err != nil {
		return fmt.Errorf("worker: read config: %w", err)
	}
	var cfg tebpf.RuntimeConfig
	if err := fastJSON.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("worker: parse config: %w", err)
	}

	objPath, err := compileBPF(cfg.ProgramPath)
	if err != nil {
		return fmt.Errorf("worker: compile: %w", err)
	}
	defer os.Remove(objPath)

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return fmt.Errorf("worker: load collection spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("worker: load collection: %w", err)
	}
	defer coll.Close()

	ex, err := link.OpenExecutable(cfg.Binary)
	if err != nil {
		return fmt.Errorf("worker: open executable: %w", err)
	}

	var links []link.Link
	defer func() {
		for _, l := range links {
			_ = l.Close()
		}
	}()

	for _, p := range cfg.Probes {
		enter := coll.Programs[fmt.Sprintf("probe_enter_%d", p.ID)]
		exit := coll.Programs[fmt.Sprintf("probe_exit_%d", p.ID)]
		if enter == nil || exit == nil {
			continue
		}
		l1, err := ex.Uprobe(p.Name, enter, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker: attach uprobe %s: %v\n", p.Name, err)
			continue
		}
		l2, err := ex.Uretprobe(p.Name, exit, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker: attach uretprobe %s: %v\n", p.Name, err)
			_ = l1.Close()
			continue
		}
		links = append(links, l1, l2)
	}

	events, ok := coll.Maps["events"]
	if !ok {
		return fmt.Errorf("worker: collection has no events map")
	}
	reader, err := perf.NewReader(events, os.Getpagesize()*64)
	if err != nil {
		return fmt.Errorf("worker: open perf reader: %w", err)
	}
	defer reader.Close()

	out, err := os.Create(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("worker: create data file: %w", err)
	}
	defer out.Close()
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	probeName := make(map[int]string, len(cfg.Probes))
	for _, p := range cfg.Probes {
		probeName[p.ID] = p.Name
	}

	target := exec.Command(cfg.Binary, cfg.Args...)
	target.Stdout = os.Stdout
	target.Stderr = os.Stderr
	if err := target.Start(); err != nil {
		return fmt.Errorf("worker: start target: %w", err)
	}
	pid := target.Process.Pid
	now := time.Now().UnixNano()
	fmt.Fprintf(bw, "PROCESS_BEGIN %d %d %d %d;%s\n", pid, pid, os.Getpid(), now, cfg.Binary)
	fmt.Fprintf(bw, "THREAD_BEGIN %d %d %d;%s\n", pid, pid, now, cfg.Binary)

	done := make(chan error, 1)
	go func() { done <- target.Wait() }()

	records := make(chan bpfEvent, 4096)
	readErr := make(chan error, 1)
	go func() {
		for {
			rec, err := reader.Read()
			if err != nil {
				readErr <- err
				return
			}
			if rec.LostSamples > 0 {
				continue
			}
			var ev bpfEvent
			if err := binary.Read(bytes.NewReader(rec.RawSample), binary.LittleEndian, &ev); err != nil {
				continue
			}
			records <- ev
		}
	}()

loop:
	for {
		select {
		case <-done:
			break loop
		case ev := <-records:
			writeEvent(bw, ev, probeName)
		case <-readErr:
			break loop
		}
	}

	// Drain whatever is already queued once the target has exited.
	drainDeadline := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-records:
			writeEvent(bw, ev, probeName)
		case <-drainDeadline:
			break drain
		}
	}

	end := time.Now().UnixNano()
	fmt.Fprintf(bw, "THREAD_END %d %d %d;%s\n", pid, pid, end, cfg.Binary)
	fmt.Fprintf(bw, "PROCESS_END %d %d %d %d;%s\n", pid, pid, os.Getpid(), end, cfg.Binary)
	return nil
}

func writeEvent(bw *bufio.Writer, ev bpfEvent, names map[int]string) {
	if _, ok := names[int(ev.ProbeID)]; !ok {
		return
	}
	kind := "FUNC_BEGIN"
	if ev.Kind != 0 {
		kind = "FUNC_END"
	}
	fmt.Fprintf(bw, "%s %d %d;%d\n", kind, ev.TID, ev.TsNs, ev.ProbeID)
}

// compileBPF shells out to clang to build the assembled C source into a BPF
// ELF object, the form ebpf.LoadCollectionSpec reads.
func compileBPF(srcPath string) (string, error) {
	objPath := srcPath[:len(srcPath)-len(".c")] + ".o"
	cmd := exec.Command("clang", "-O2", "-g", "-target", "bpf", "-c", srcPath, "-o", objPath)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("clang: %w", err)
	}
	return objPath, nil
}
