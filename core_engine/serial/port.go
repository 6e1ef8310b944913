package serial

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// idlePoll is how often a synchronous Read rechecks the receiver.
const idlePoll = time.Millisecond

// Port buffers console traffic for one driver.
//
// A port transmits synchronously, spinning on TxReady, until the driver
// delivers its first TxInterrupt or RxInterrupt. From then on writes are
// queued and drained from the driver callbacks.
type Port struct {
	index int
	drv   Driver

	lock sync.Mutex // serializes driver I/O calls and guards the rings
	tx   ring
	rx   ring

	async   atomic.Bool
	rxReady chan struct{}

	TxDropped atomic.Uint64
	RxDropped atomic.Uint64
}

func newPort(index int, drv Driver) *Port {
	return &Port{index: index, drv: drv, rxReady: make(chan struct{}, 1)}
}

func (p *Port) Index() int { return p.index }

// Async reports whether the driver callbacks are running.
func (p *Port) Async() bool { return p.async.Load() }

// TxInterrupt refills the transmitter from the queue.
func (p *Port) TxInterrupt() {
	p.async.Store(true)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.kick()
}

// RxInterrupt moves one received byte into the queue.
func (p *Port) RxInterrupt() {
	p.async.Store(true)
	p.lock.Lock()
	c, ok := p.drv.Getc()
	if ok && !p.rx.put(c) {
		p.RxDropped.Add(1)
	}
	p.lock.Unlock()
	if ok {
		p.signal()
	}
}

func (p *Port) signal() {
	select {
	case p.rxReady <- struct{}{}:
	default:
	}
}

// kick writes as much queued data as the transmitter takes. A driver error
// discards the queue: the hardware may not come back until it is re-enabled.
func (p *Port) kick() error {
	n, err := p.drv.TxReady()
	if err != nil {
		p.TxDropped.Add(uint64(p.tx.used()))
		p.tx.clear()
		return err
	}
	for ; n > 0; n-- {
		c, ok := p.tx.get()
		if !ok {
			break
		}
		p.drv.Putc(c)
	}
	return nil
}

// Write sends b. In synchronous mode it returns once every byte was handed
// to the transmitter; in asynchronous mode bytes that do not fit the queue
// are dropped and counted.
func (p *Port) Write(b []byte) (int, error) {
	if p.async.Load() {
		return p.writeAsync(b)
	}
	return p.writeSync(b)
}

func (p *Port) writeAsync(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, c := range b {
		if !p.tx.put(c) {
			p.TxDropped.Add(1)
		}
	}
	if err := p.kick(); err != nil {
		return 0, fmt.Errorf("serial: port %d: %w", p.index, err)
	}
	return len(b), nil
}

func (p *Port) writeSync(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	written := 0
	for written < len(b) {
		n, err := p.drv.TxReady()
		if err != nil {
			p.TxDropped.Add(uint64(len(b) - written))
			return written, fmt.Errorf("serial: port %d: %w", p.index, err)
		}
		if n == 0 {
			p.lock.Unlock()
			runtime.Gosched()
			p.lock.Lock()
			continue
		}
		for ; n > 0 && written < len(b); n-- {
			p.drv.Putc(b[written])
			written++
		}
	}
	return written, nil
}

// Pending returns the number of queued transmit bytes.
func (p *Port) Pending() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.tx.used()
}

// Flush waits until the transmit queue is empty.
func (p *Port) Flush(ctx context.Context) error {
	for {
		p.lock.Lock()
		err := p.kick()
		left := p.tx.used()
		p.lock.Unlock()
		if err != nil {
			return fmt.Errorf("serial: port %d: %w", p.index, err)
		}
		if left == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePoll):
		}
	}
}

// ReadByte returns a received byte without blocking.
func (p *Port) ReadByte() (byte, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if c, ok := p.rx.get(); ok {
		return c, true
	}
	if p.async.Load() {
		return 0, false
	}
	return p.drv.Getc()
}

// Read blocks until at least one byte is available or ctx is done.
func (p *Port) Read(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n := 0
		for n < len(b) {
			c, ok := p.ReadByte()
			if !ok {
				break
			}
			b[n] = c
			n++
		}
		if n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-p.rxReady:
		case <-time.After(idlePoll):
		}
	}
}
