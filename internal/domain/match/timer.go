package match

import (
	"sync"
	"time"
)

// AutoAdvance holds at most one pending auto-advance. Scheduling replaces
// the pending one and Cancel stops it; a callback that lost the race with
// Cancel does not run.
type AutoAdvance struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Schedule runs fn after d unless cancelled or rescheduled first.
func (a *AutoAdvance) Schedule(d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			return
		}
		a.timer = nil
		a.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback. It reports whether one was pending.
func (a *AutoAdvance) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer == nil {
		return false
	}
	a.timer.Stop()
	a.timer = nil
	a.gen++
	return true
}

// Pending reports whether a callback is scheduled.
func (a *AutoAdvance) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}
