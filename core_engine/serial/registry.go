// Package serial is the console side of the serial drivers: it owns one Port
// per controller slot, buffers traffic in both directions and fans the boot
// and power phases out to the registered drivers.
package serial

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// MAX_PORTS is the number of console slots.
const MAX_PORTS = 2

var (
	ErrSlot = errors.New("serial: no such port")
	ErrBusy = errors.New("serial: port already registered")
)

// Driver is the callback table a controller driver registers.
type Driver interface {
	InitPreIRQ()
	InitPostIRQ()
	EndBoot() error
	Suspend()
	Resume()
	// TxReady returns the number of bytes the transmitter accepts now, or
	// an error if the hardware stopped answering.
	TxReady() (int, error)
	Putc(c byte)
	Getc() (byte, bool)
	IRQNumber() int
}

// Registry holds the registered ports.
type Registry struct {
	lock  sync.Mutex
	ports [MAX_PORTS]*Port
}

// Register binds drv to console slot index and returns its port.
func (r *Registry) Register(index int, drv Driver) (*Port, error) {
	if index < 0 || index >= MAX_PORTS {
		return nil, fmt.Errorf("%w: %d", ErrSlot, index)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.ports[index] != nil {
		return nil, fmt.Errorf("%w: %d", ErrBusy, index)
	}
	p := newPort(index, drv)
	r.ports[index] = p
	return p, nil
}

// Port returns the port registered in slot index, or nil.
func (r *Registry) Port(index int) *Port {
	if index < 0 || index >= MAX_PORTS {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.ports[index]
}

func (r *Registry) each(fn func(p *Port)) {
	r.lock.Lock()
	ports := r.ports
	r.lock.Unlock()
	for _, p := range ports {
		if p != nil {
			fn(p)
		}
	}
}

// InitPreIRQ runs the early setup of every driver.
func (r *Registry) InitPreIRQ() {
	r.each(func(p *Port) { p.drv.InitPreIRQ() })
}

// InitPostIRQ runs once interrupts and timers are available.
func (r *Registry) InitPostIRQ() {
	r.each(func(p *Port) { p.drv.InitPostIRQ() })
}

// EndBoot tells every driver that boot is complete. Failures are logged.
func (r *Registry) EndBoot() {
	r.each(func(p *Port) {
		if err := p.drv.EndBoot(); err != nil {
			log.Printf("ERROR: serial: port %d: end of boot: %v", p.index, err)
		}
	})
}

func (r *Registry) Suspend() {
	r.each(func(p *Port) { p.drv.Suspend() })
}

func (r *Registry) Resume() {
	r.each(func(p *Port) { p.drv.Resume() })
}
