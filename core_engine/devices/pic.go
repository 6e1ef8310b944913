package devices

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// PICController is one 8259A: mask, request and in-service registers.
type PICController struct {
	isMaster bool
	imr      uint8 // Interrupt Mask Register
	irr      uint8 // Interrupt Request Register
	isr      uint8 // In-Service Register

	readRegSelect byte // OCW3: 0 for IRR, 1 for ISR
}

type irqHandler struct {
	name string
	fn   func()
}

// PICDevice manages a cascaded master/slave 8259A pair and delivers its
// interrupts to handlers installed with SetupIRQ. Delivery happens on one
// goroutine, so a handler never runs concurrently with itself or with any
// other handler, and a line stays in service until its handler returns.
type PICDevice struct {
	Debug bool

	master PICController
	slave  PICController
	lock   sync.Mutex

	handlers [PIC_NUM_IRQS]*irqHandler
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	closed   bool
}

// NewPICDevice creates a PIC pair with every line masked except the
// cascade.
func NewPICDevice() *PICDevice {
	p := &PICDevice{
		master: PICController{isMaster: true},
		slave:  PICController{isMaster: false},
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.master.imr = 0xFF &^ (1 << PIC_MASTER_SLAVE_IRQ)
	p.slave.imr = 0xFF
	return p
}

// Start launches the delivery goroutine. A closed PIC stays closed.
func (p *PICDevice) Start() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.deliver()
}

// Close stops delivery and waits for the running handler to return.
func (p *PICDevice) Close() error {
	p.lock.Lock()
	started := p.started && !p.closed
	p.closed = true
	p.lock.Unlock()
	if !started {
		return nil
	}
	close(p.stop)
	<-p.done
	return nil
}

// SetupIRQ installs handler on irq and unmasks the line. Lines are not
// shared.
func (p *PICDevice) SetupIRQ(irq int, name string, handler func()) error {
	if irq < 0 || irq >= PIC_NUM_IRQS || irq == int(PIC_MASTER_SLAVE_IRQ) {
		return fmt.Errorf("PICDevice: IRQ %d is not available", irq)
	}
	if handler == nil {
		return errors.New("PICDevice: nil handler")
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if h := p.handlers[irq]; h != nil {
		return fmt.Errorf("PICDevice: IRQ %d already used by %s", irq, h.name)
	}
	p.handlers[irq] = &irqHandler{name: name, fn: handler}
	p.controllerFor(uint8(irq)).imr &^= 1 << (irq % 8)
	if p.Debug {
		log.Printf("PICDevice: IRQ %d installed for %s", irq, name)
	}
	return nil
}

func (p *PICDevice) controllerFor(irq uint8) *PICController {
	if irq < 8 {
		return &p.master
	}
	return &p.slave
}

// RaiseIRQ sets the corresponding bit in the Interrupt Request Register
// (IRR). Masked lines are dropped, as with an edge-triggered 8259A.
func (p *PICDevice) RaiseIRQ(irqLine uint8) {
	if irqLine >= PIC_NUM_IRQS {
		return
	}
	p.lock.Lock()
	pc := p.controllerFor(irqLine)
	bit := uint8(1) << (irqLine % 8)
	raised := pc.imr&bit == 0
	if raised {
		pc.irr |= bit
		if !pc.isMaster {
			p.master.irr |= 1 << PIC_MASTER_SLAVE_IRQ
		}
	}
	p.lock.Unlock()

	if raised {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// HasPendingInterrupts checks if there's any unmasked, unserviced interrupt.
func (p *PICDevice) HasPendingInterrupts() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.next() >= 0
}

// next returns the highest priority deliverable line, or -1. IRQ0 is the
// highest priority; the slave's lines rank at the cascade position.
func (p *PICDevice) next() int {
	pending := p.master.irr &^ p.master.imr
	for i := uint8(0); i < 8; i++ {
		if pending&(1<<i) == 0 || p.master.isr&(1<<i) != 0 {
			continue
		}
		if i != PIC_MASTER_SLAVE_IRQ {
			return int(i)
		}
		slavePending := p.slave.irr &^ p.slave.imr
		for j := uint8(0); j < 8; j++ {
			if slavePending&(1<<j) != 0 && p.slave.isr&(1<<j) == 0 {
				return int(j) + 8
			}
		}
	}
	return -1
}

// acknowledge moves irq from IRR to ISR.
func (p *PICDevice) acknowledge(irq int) {
	pc := p.controllerFor(uint8(irq))
	bit := uint8(1) << (irq % 8)
	pc.irr &^= bit
	pc.isr |= bit
	if !pc.isMaster {
		p.master.isr |= 1 << PIC_MASTER_SLAVE_IRQ
		if p.slave.irr&^p.slave.imr == 0 {
			p.master.irr &^= 1 << PIC_MASTER_SLAVE_IRQ
		}
	}
}

// eoi retires irq from ISR.
func (p *PICDevice) eoi(irq int) {
	pc := p.controllerFor(uint8(irq))
	pc.isr &^= 1 << (irq % 8)
	if !pc.isMaster {
		p.master.isr &^= 1 << PIC_MASTER_SLAVE_IRQ
	}
}

func (p *PICDevice) deliver() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			p.lock.Lock()
			irq := p.next()
			var h *irqHandler
			if irq >= 0 {
				p.acknowledge(irq)
				h = p.handlers[irq]
			}
			p.lock.Unlock()
			if irq < 0 {
				break
			}
			if h != nil {
				h.fn()
			} else if p.Debug {
				log.Printf("PICDevice: spurious IRQ %d", irq)
			}
			p.lock.Lock()
			p.eoi(irq)
			p.lock.Unlock()
		}
	}
}

// HandleIO gives the guest-visible view: IMR on the data ports, OCW2 EOI and
// OCW3 IRR/ISR selection on the command ports.
func (p *PICDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("PICDevice: I/O size %d not supported for port 0x%x", size, port)
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	var pc *PICController
	switch port {
	case PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT:
		pc = &p.master
	case PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT:
		pc = &p.slave
	default:
		return fmt.Errorf("PICDevice: Unhandled I/O to port 0x%x, direction %d", port, direction)
	}
	cmd := port == PIC_MASTER_CMD_PORT || port == PIC_SLAVE_CMD_PORT

	if direction == IODirectionIn {
		switch {
		case !cmd:
			data[0] = pc.imr
		case pc.readRegSelect == 0:
			data[0] = pc.irr
		default:
			data[0] = pc.isr
		}
		return nil
	}

	val := data[0]
	switch {
	case !cmd:
		pc.imr = val
	case val&PIC_OCW3_ID_MASK == PIC_OCW3_OCW3_ID:
		if val&PIC_OCW3_RR_CMD != 0 {
			pc.readRegSelect = val & PIC_OCW3_RIS_CMD
		}
	case val&PIC_OCW2_EOI_CMD != 0:
		pc.processEOI(val)
	}
	return nil
}

// processEOI handles a specific or non-specific EOI from OCW2.
func (pc *PICController) processEOI(val byte) {
	if val&PIC_OCW2_SL_CMD != 0 {
		pc.isr &^= 1 << (val & PIC_OCW2_L0L1L2)
		return
	}
	for i := uint8(0); i < 8; i++ {
		if pc.isr&(1<<i) != 0 {
			pc.isr &^= 1 << i
			return
		}
	}
}
