package ns16550

import "log"

// Suspend stops polling and saves the PCI command register.
func (u *UART) Suspend() {
	u.state.Store(stateSuspended)
	if u.timer != nil {
		u.timer.Stop()
	}
	u.attach.suspend(u)
}

// Resume reprograms the UART. If it does not answer yet, typically because
// firmware has not brought a bridge back, the resume is retried every
// ResumeDelay up to ResumeRetries times and then forced.
func (u *UART) Resume() {
	if !u.vanished() {
		u.realResume()
		return
	}
	if u.resumeTimer == nil {
		if u.caps.Timers == nil {
			u.realResume()
			return
		}
		u.resumeTimer = u.caps.Timers.NewTimer(u.delayedResume)
	}
	u.state.Store(stateResuming)
	u.resumeTries = max(u.opts.ResumeRetries, 0)
	u.retryResume()
}

func (u *UART) delayedResume() {
	if !u.vanished() {
		u.realResume()
		return
	}
	u.retryResume()
}

func (u *UART) retryResume() {
	if u.resumeTries == 0 {
		log.Printf("ns16550: uart%d: not answering after %d retries, resuming anyway", u.index, max(u.opts.ResumeRetries, 0))
		u.realResume()
		return
	}
	u.resumeTries--
	u.resumeTimer.Set(u.opts.ResumeDelay)
}

func (u *UART) realResume() {
	u.attach.restore(u)
	u.setupPreIRQ()
	u.state.Store(stateActive)
	u.setupPostIRQ()
}
