// Package watchdog implements the process-wide structured logger described
// in spec.md §4.3: a debug-level file sink plus an info-level stderr sink,
// heartbeats, and an optional fold of the log file into the teardown
// archive.
package watchdog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Watchdog is the single process-wide logging/reporting service, constructed
// in orchestrator Pre and destroyed in Teardown (spec.md §4.3, §9).
type Watchdog struct {
	fileLogger   log.Logger
	stderrLogger log.Logger
	quiet        bool

	logPath string
	fileOut io.WriteCloser

	metrics *metrics
}

// StartSession opens the debug file sink at
// <logdir>/trace/trace_<ts>_<pid>.txt (spec.md on-disk layout) when enabled,
// and an info-level stderr sink suppressible by quiet.
func StartSession(logDir string, enabled bool, pid int, ts time.Time, quiet bool) (*Watchdog, error) {
	w := &Watchdog{quiet: quiet, metrics: newMetrics()}

	stderrBase := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	w.stderrLogger = level.NewFilter(stderrBase, level.AllowInfo())

	if !enabled {
		w.fileLogger = log.NewNopLogger()
		return w, nil
	}

	dir := filepath.Join(logDir, "trace")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("watchdog: create log dir: %w", err)
	}
	w.logPath = filepath.Join(dir, fmt.Sprintf("trace_%d_%d.txt", ts.UnixNano(), pid))

	// lumberjack gives the file sink rotation so a long-running collection
	// (or repeated diagnostics runs) never grows the log unbounded.
	w.fileOut = &lumberjack.Logger{
		Filename:   w.logPath,
		MaxSize:    50, // MB
		MaxBackups: 3,
		Compress:   true,
	}
	fileBase := log.NewLogfmtLogger(log.NewSyncWriter(w.fileOut))
	w.fileLogger = level.NewFilter(fileBase, level.AllowDebug())

	return w, nil
}

// EndSession closes the file sink and, if archive is non-nil, folds the log
// file into it.
func (w *Watchdog) EndSession(archive func(path string) error) error {
	if w.fileOut != nil {
		w.fileOut.Close()
	}
	if archive != nil && w.logPath != "" {
		return archive(w.logPath)
	}
	return nil
}

func (w *Watchdog) logAll(lvl level.Value, keyvals ...any) {
	kv := append([]any{"ts", time.Now().Format(time.RFC3339Nano)}, keyvals...)
	_ = w.fileLogger.Log(append([]any{"level", lvl}, kv...)...)
	// Warnings must reach the user even with the file sink disabled, and the
	// stderr sink is info-and-above, so only forward info/warn there.
	if lvl == level.InfoValue() || lvl == level.WarnValue() {
		if w.quiet && lvl == level.InfoValue() {
			return
		}
		_ = w.stderrLogger.Log(append([]any{"level", lvl}, kv...)...)
	}
}

func (w *Watchdog) Info(msg string, keyvals ...any) {
	w.logAll(level.InfoValue(), append([]any{"msg", msg}, keyvals...)...)
}

func (w *Watchdog) Warn(msg string, keyvals ...any) {
	w.logAll(level.WarnValue(), append([]any{"msg", msg}, keyvals...)...)
}

func (w *Watchdog) Debug(msg string, keyvals ...any) {
	_ = w.fileLogger.Log(append([]any{"level", level.DebugValue(), "msg", msg}, keyvals...)...)
}

// Header emits a message followed by a visual rule, matching the source's
// section-header convention for readable trace logs.
func (w *Watchdog) Header(msg string) {
	w.Info(msg)
	w.Debug(strings.Repeat("-", 72))
}

// LogVariable records a named value at debug level, used for ad-hoc
// diagnostics throughout the collection pipeline.
func (w *Watchdog) LogVariable(name string, value any) {
	w.Debug("variable", "name", name, "value", fmt.Sprintf("%v", value))
}

// LogProbes records the probe-set summary once extraction completes.
func (w *Watchdog) LogProbes(nFunc, nUSDT int, scriptPath string) {
	w.Info("probes resolved", "func", nFunc, "usdt", nUSDT, "script", scriptPath)
	w.metrics.funcs.Set(float64(nFunc))
	w.metrics.usdt.Set(float64(nUSDT))
}

// LogResources records the process/kernel-module resource footprint of the
// running collection, for post-mortem capacity analysis.
func (w *Watchdog) LogResources(procs, modules int) {
	w.Info("resource footprint", "processes", procs, "kernel_modules", modules)
	w.metrics.processes.Set(float64(procs))
	w.metrics.modules.Set(float64(modules))
}
