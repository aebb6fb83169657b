// Package systemtap implements the SystemTap collection engine (spec.md
// §4.6): launch one stap run under the supervisor that both compiles the
// assembled script and collects, acquire a kernel-module lock on the
// compiled module's stripped name once stap's log reports it, and wait for
// the PROCESS_END sentinel.
package systemtap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Perfexionists/perun-trace/internal/tracepkg/assemble"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/engine"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/lock"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/parse"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/probes"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/profile"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/supervisor"
	"github.com/Perfexionists/perun-trace/internal/tracepkg/watchdog"
)

// requiredTools are the dependencies spec.md §4.6 names for this engine.
var requiredTools = []string{"stap", "lsmod", "rmmod"}

// hardWaitTimeout bounds how long Collect waits for the data file's last
// record to become PROCESS_END once the target has exited (spec.md §4.6,
// §7 "DataWriteIncomplete").
const hardWaitTimeout = 10 * time.Second

// moduleNameRe strips the PID-dependent suffix SystemTap appends to a
// compiled module's name, e.g. "stap_abc123_1234" -> "stap_abc123".
var moduleNameRe = regexp.MustCompile(`^(stap_[0-9a-f]+)_\d+$`)

type Engine struct {
	*engine.Base

	Binary        string
	Workload      string
	Verbose       bool
	TimedSampling bool
	Locks         *lock.Manager
	Log           *watchdog.Watchdog
	PID           int
	Timeout       time.Duration
	HasLimit      bool

	child      *supervisor.Child
	moduleLock *lock.Lock
	toolLock   *lock.Lock
	moduleName string
}

func New(base *engine.Base, binary, workload string, verbose, timedSampling bool, locks *lock.Manager, log *watchdog.Watchdog, pid int, timeout time.Duration, hasLimit bool) *Engine {
	return &Engine{Base: base, Binary: binary, Workload: workload, Verbose: verbose, TimedSampling: timedSampling, Locks: locks, Log: log, PID: pid, Timeout: timeout, HasLimit: hasLimit}
}

func (e *Engine) CheckDependencies() error {
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("dependency missing: %s: %w", tool, err)
		}
	}
	return nil
}

// AvailableUSDT shells out to the backend-specific USDT listing tool
// (stap -L style probe point listing) for each image.
func (e *Engine) AvailableUSDT(images []string) (map[string][]string, error) {
	out := make(map[string][]string, len(images))
	for _, img := range images {
		cmd := exec.Command("stap", "-l", fmt.Sprintf("process(\"%s\").mark(\"*\")", img))
		b, err := cmd.Output()
		if err != nil {
			// A missing USDT namespace is not fatal; the image simply
			// contributes no static probes.
			out[img] = nil
			continue
		}
		out[img] = parseStapListing(string(b))
	}
	return out, nil
}

func parseStapListing(s string) []string {
	var names []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.LastIndex(line, "mark(\""); idx >= 0 {
			rest := line[idx+len("mark(\""):]
			if end := strings.Index(rest, "\""); end >= 0 {
				names = append(names, rest[:end])
			}
		}
	}
	return names
}

// AssembleCollectProgram renders the SystemTap script via the assemble
// package and writes it to the engine's role-suffixed script path.
func (e *Engine) AssembleCollectProgram(ctx context.Context, ps *probes.Probes) error {
	scriptPath, err := e.Allocate(engine.RoleScript)
	if err != nil {
		return err
	}
	src, err := assemble.SystemTapScript(ps, e.Binary, e.Verbose, e.TimedSampling)
	if err != nil {
		return fmt.Errorf("assemble systemtap script: %w", err)
	}
	if err := os.WriteFile(scriptPath, []byte(src), 0o644); err != nil {
		return fmt.Errorf("write systemtap script: %w", err)
	}
	return nil
}

// Collect implements spec.md §4.6's SystemTap collection sequence.
func (e *Engine) Collect(ctx context.Context, ps *probes.Probes) error {
	toolLock, err := e.Locks.Acquire(lock.ToolProcess, e.Binary, e.PID)
	if err != nil {
		return fmt.Errorf("acquire tool lock: %w", err)
	}
	e.toolLock = toolLock

	logPath, err := e.Allocate(engine.RoleLog)
	if err != nil {
		return err
	}
	dataPath, err := e.Allocate(engine.RoleData)
	if err != nil {
		return err
	}
	scriptPath := e.Path(engine.RoleScript)

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create stap log: %w", err)
	}
	defer logFile.Close()

	child, err := supervisor.Start(ctx, "stap", []string{"-v", "-o", dataPath, scriptPath}, supervisor.Options{Privileged: true})
	if err != nil {
		return fmt.Errorf("start stap: %w", err)
	}
	e.child = child
	defer child.Close()

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = io.Copy(logFile, child.Stdout)
	}()

	moduleName, err := e.awaitModuleName(logPath)
	if err != nil {
		return fmt.Errorf("tool startup failed: %w", err)
	}
	e.moduleName = moduleName

	moduleLock, err := e.Locks.Acquire(lock.KernelModule, moduleName, e.PID)
	if err != nil {
		return fmt.Errorf("acquire module lock: %w", err)
	}
	e.moduleLock = moduleLock

	heartbeat := supervisor.StartPeriodic(2*time.Second, func() {
		if info, err := os.Stat(dataPath); err == nil {
			e.Log.Debug("data file growing", "bytes", info.Size())
		}
	})

	var timeout *supervisor.Timeout
	if e.HasLimit {
		timeout = supervisor.StartTimeout(e.Timeout)
	}
	for !child.Exited() {
		if timeout != nil && timeout.Reached() {
			e.Log.Warn("timeout reached, terminating target", "timeout", e.Timeout)
			_ = child.Close()
			break
		}
		child.Wait(200 * time.Millisecond)
	}
	if timeout != nil {
		timeout.Stop()
	}
	for !child.Exited() {
		child.Wait(500 * time.Millisecond)
	}
	heartbeat.Stop()
	<-copyDone

	return e.waitForSentinel(dataPath)
}

// awaitModuleName scans the log file for the module name SystemTap reports
// once it reaches phase 5, stripping the PID-dependent suffix (spec.md
// §4.6 "capturing the resulting kernel-module name ... by scanning the
// last line of the log for a regex that strips the PID-dependent suffix").
func (e *Engine) awaitModuleName(logPath string) (string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(logPath)
		if err == nil {
			lines := strings.Split(strings.TrimSpace(string(b)), "\n")
			for i := len(lines) - 1; i >= 0; i-- {
				if m := moduleNameRe.FindStringSubmatch(lines[i]); m != nil {
					return m[1], nil
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return "", fmt.Errorf("stap did not reach phase 5 within startup window")
}

// waitForSentinel blocks (bounded by hardWaitTimeout) until the data file's
// last non-empty line is PROCESS_END (spec.md §4.6, §7 DataWriteIncomplete).
func (e *Engine) waitForSentinel(dataPath string) error {
	deadline := time.Now().Add(hardWaitTimeout)
	for time.Now().Before(deadline) {
		if lastLineIsProcessEnd(dataPath) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("data write incomplete: no PROCESS_END within %s", hardWaitTimeout)
}

func lastLineIsProcessEnd(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last string
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			last = line
		}
	}
	return strings.HasPrefix(last, "PROCESS_END")
}

// Transform folds the collected data file into a Profile (spec.md §4.8-4.9).
func (e *Engine) Transform(ctx context.Context, ps *probes.Probes) (*profile.Profile, *parse.Context, error) {
	dataPath := e.Path(engine.RoleData)
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	resolver := parse.NewResolver(ps.NewResolver(), e.Verbose)
	builder := profile.NewBuilder(ctx, e.Workload)
	chunker := profile.NewChunker(builder)

	pctx := parse.Parse(f, resolver, parse.Options{Workload: e.Workload}, chunker)
	prof := builder.Finish()
	return prof, pctx, nil
}

// Cleanup always runs: terminate any still-running child, best-effort
// rmmod, release locks (spec.md §4.6).
func (e *Engine) Cleanup() error {
	var firstErr error
	if e.child != nil {
		if err := e.child.Close(); err != nil {
			e.Log.Warn("stap child termination", "err", err)
		}
	}
	if e.moduleName != "" {
		if err := rmmodWithBackoff(e.moduleName); err != nil {
			e.Log.Warn("rmmod failed", "module", e.moduleName, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if e.moduleLock != nil {
		_ = e.Locks.Release(e.moduleLock)
	}
	if e.toolLock != nil {
		_ = e.Locks.Release(e.toolLock)
	}
	return firstErr
}

// rmmodWithBackoff retries UnloadFailed with a bounded backoff (spec.md §7).
func rmmodWithBackoff(module string) error {
	delays := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond}
	var lastErr error
	for _, d := range delays {
		if d > 0 {
			time.Sleep(d)
		}
		cmd := exec.Command("rmmod", module)
		if err := cmd.Run(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
