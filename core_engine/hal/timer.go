package hal

import (
	"sync"
	"time"
)

// Timers is a TimerService backed by time.AfterFunc.
type Timers struct{}

func (Timers) NewTimer(fn func()) Timer {
	return &afterTimer{fn: fn}
}

type afterTimer struct {
	fn func()

	lock sync.Mutex // guards t and gen
	t    *time.Timer
	gen  uint64

	run sync.Mutex // held while fn executes
}

func (a *afterTimer) Set(d time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.t != nil {
		a.t.Stop()
	}
	a.gen++
	gen := a.gen
	a.t = time.AfterFunc(d, func() { a.fire(gen) })
}

func (a *afterTimer) Stop() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.gen++
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}

// fire drops expiries superseded by a later Set or Stop. A stopped
// time.Timer may already have started its goroutine, so the generation
// check is what makes cancellation reliable.
func (a *afterTimer) fire(gen uint64) {
	a.run.Lock()
	defer a.run.Unlock()

	a.lock.Lock()
	stale := gen != a.gen
	a.lock.Unlock()
	if stale {
		return
	}
	a.fn()
}
