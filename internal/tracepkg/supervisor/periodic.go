package supervisor

import (
	"sync"
	"time"
)

// Periodic runs a callback every interval until its scope exits. It is used
// for user-visible heartbeats and for the dynamic-probing checker
// (spec.md §4.4, §4.11). Callbacks are never reentered: if one callback
// overruns the interval, the next tick is skipped rather than queued.
type Periodic struct {
	stop     chan struct{}
	stopped  sync.WaitGroup
	interval time.Duration
}

// StartPeriodic launches fn on a ticker of the given interval immediately
// in a background goroutine.
func StartPeriodic(interval time.Duration, fn func()) *Periodic {
	p := &Periodic{stop: make(chan struct{}), interval: interval}
	p.stopped.Add(1)
	go func() {
		defer p.stopped.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return p
}

// Stop ends the periodic goroutine and waits for its current callback (if
// any) to finish, so Stop never races a concurrent invocation of fn.
func (p *Periodic) Stop() {
	close(p.stop)
	p.stopped.Wait()
}
