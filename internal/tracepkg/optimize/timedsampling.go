package optimize

import (
	"sync/atomic"
	"time"
)

// TimedSampler toggles a shared flag on a ns-resolution timer so roughly
// half of wall time is traced (spec.md §4.11 "Timed Sampling (runtime)").
// The assembled instrumentation programs do not read Enabled(): the
// generated SystemTap script and eBPF program keep their own timed_switch.
type TimedSampler struct {
	flag   int32
	period time.Duration
	stop   chan struct{}
	done   chan struct{}
}

func NewTimedSampler(period time.Duration) *TimedSampler {
	return &TimedSampler{period: period, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the toggle loop; cancel via Stop.
func (t *TimedSampler) Start() {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				atomic.StoreInt32(&t.flag, 1-atomic.LoadInt32(&t.flag))
			}
		}
	}()
}

func (t *TimedSampler) Stop() {
	close(t.stop)
	<-t.done
}

// Enabled reports whether a probe body guarded by the shared flag should
// currently trace.
func (t *TimedSampler) Enabled() bool {
	return atomic.LoadInt32(&t.flag) == 1
}
