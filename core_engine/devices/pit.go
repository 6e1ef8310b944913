package devices

import (
	"sort"
	"sync"
	"time"

	"example.com/v-console/core_engine/hal"
)

// PITDevice is a virtual interval timer: a hal.TimerService whose clock only
// moves when Advance is called. It makes timer-driven driver behaviour
// (polling, resume retries) deterministic in tests and scripted scenarios.
type PITDevice struct {
	lock   sync.Mutex
	now    time.Duration
	seq    uint64
	timers []*pitTimer

	fire sync.Mutex // held while callbacks run
}

// pitTimer is one channel. deadline < 0 means disarmed.
type pitTimer struct {
	pit      *PITDevice
	fn       func()
	deadline time.Duration
	seq      uint64 // arming order, breaks deadline ties
}

func NewPITDevice() *PITDevice {
	return &PITDevice{}
}

var _ hal.TimerService = (*PITDevice)(nil)

func (p *PITDevice) NewTimer(fn func()) hal.Timer {
	p.lock.Lock()
	defer p.lock.Unlock()
	t := &pitTimer{pit: p, fn: fn, deadline: -1}
	p.timers = append(p.timers, t)
	return t
}

func (t *pitTimer) Set(d time.Duration) {
	p := t.pit
	p.lock.Lock()
	defer p.lock.Unlock()
	if d < 0 {
		d = 0
	}
	p.seq++
	t.seq = p.seq
	t.deadline = p.now + d
}

func (t *pitTimer) Stop() {
	p := t.pit
	p.lock.Lock()
	defer p.lock.Unlock()
	t.deadline = -1
}

// Now returns the virtual time elapsed since creation.
func (p *PITDevice) Now() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.now
}

// Armed returns the number of timers currently armed.
func (p *PITDevice) Armed() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := 0
	for _, t := range p.timers {
		if t.deadline >= 0 {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, running every expiry on the way in
// deadline order. A callback that rearms its timer inside the window runs
// again. It returns the number of callbacks run.
func (p *PITDevice) Advance(d time.Duration) int {
	p.fire.Lock()
	defer p.fire.Unlock()

	p.lock.Lock()
	end := p.now + d
	p.lock.Unlock()

	fired := 0
	for {
		p.lock.Lock()
		t := p.due(end)
		if t == nil {
			p.now = end
			p.lock.Unlock()
			return fired
		}
		p.now = t.deadline
		t.deadline = -1
		p.lock.Unlock()

		t.fn()
		fired++
	}
}

// due returns the earliest timer expiring at or before end.
func (p *PITDevice) due(end time.Duration) *pitTimer {
	var armed []*pitTimer
	for _, t := range p.timers {
		if t.deadline >= 0 && t.deadline <= end {
			armed = append(armed, t)
		}
	}
	if len(armed) == 0 {
		return nil
	}
	sort.Slice(armed, func(i, j int) bool {
		if armed[i].deadline != armed[j].deadline {
			return armed[i].deadline < armed[j].deadline
		}
		return armed[i].seq < armed[j].seq
	})
	return armed[0]
}
