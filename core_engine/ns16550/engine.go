package ns16550

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// InitPreIRQ maps the registers if needed, programs line format, divisor and
// FIFOs, and confirms the FIFO. It needs no interrupt or timer service.
func (u *UART) InitPreIRQ() {
	u.mapRegisters()
	u.setupPreIRQ()

	// A floating bus reads all-ones, FIFO bits included.
	if u.FifoSize == 1 && !u.vanished() && u.readReg(UART_IIR)&UART_IIR_FE == UART_IIR_FE {
		u.FifoSize = 16
	}
}

func (u *UART) setupPreIRQ() {
	u.attach.earlyInit(u)

	lcr := u.lcr()

	u.writeReg(UART_IER, 0)

	// A busy DesignWare UART ignores LCR writes until USR is read.
	if u.DWUsrBsy && u.readReg(UART_IIR)&UART_IIR_BSY == UART_IIR_BSY {
		u.readReg(UART_USR)
	}

	u.writeReg(UART_LCR, lcr|UART_LCR_DLAB)
	if u.Baud != BAUD_AUTO {
		div := u.divisor()
		u.writeReg(UART_DLL, byte(div))
		u.writeReg(UART_DLM, byte(div>>8))
	} else {
		div := int(u.readReg(UART_DLL)) | int(u.readReg(UART_DLM))<<8
		if div == 0 {
			div = 1
		}
		u.Baud = u.ClockHz / (div << 4)
	}
	u.writeReg(UART_LCR, lcr)

	// No flow control.
	u.writeReg(UART_MCR, UART_MCR_DTR|UART_MCR_RTS)

	u.writeReg(UART_FCR, UART_FCR_ENABLE|UART_FCR_CLRX|UART_FCR_CLTX|UART_FCR_TRG14)
}

// InitPostIRQ installs the interrupt handler and starts the poll timer. A
// UART with a negative IRQ is left alone.
func (u *UART) InitPostIRQ() {
	if u.IRQ < 0 {
		return
	}
	u.TimeoutMS = u.computeTimeout()

	if u.caps.Timers != nil {
		u.timer = u.caps.Timers.NewTimer(u.poll)
	} else {
		log.Printf("ERROR: ns16550: uart%d: no timer service, polling disabled", u.index)
	}

	if u.IRQ > 0 {
		var err error
		if u.caps.IRQ == nil {
			err = errors.New("no interrupt controller")
		} else {
			err = u.caps.IRQ.SetupIRQ(u.IRQ, fmt.Sprintf("ns16550-%d", u.index), u.interrupt)
		}
		if err != nil {
			log.Printf("ERROR: Failed to allocate ns16550 IRQ %d: %v", u.IRQ, err)
		} else {
			u.irqInstalled = true
		}
	}

	u.setupPostIRQ()
	u.attach.claimed(u)
}

func (u *UART) setupPostIRQ() {
	if u.irqInstalled {
		u.writeReg(UART_MCR, UART_MCR_OUT2|UART_MCR_DTR|UART_MCR_RTS)
		u.writeReg(UART_IER, UART_IER_ERDAI|UART_IER_ETHREI)
	}
	if u.IRQ >= 0 && u.timer != nil {
		u.timer.Set(u.pollInterval())
	}
}

func (u *UART) pollInterval() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

// interrupt drains every pending cause before returning.
func (u *UART) interrupt() {
	u.intrWorks.Store(true)

	for u.readReg(UART_IIR)&UART_IIR_NOINT == 0 {
		lsr := u.readReg(UART_LSR)
		if lsr&UART_LSR_THRE != 0 && u.port != nil {
			u.port.TxInterrupt()
		}
		if lsr&UART_LSR_DR != 0 && u.port != nil {
			u.port.RxInterrupt()
		}
	}
}

// poll stands in for the interrupt until one has been seen. Once intr_works
// is set it returns without touching the UART or rearming.
func (u *UART) poll() {
	if u.intrWorks.Load() {
		return
	}
	if u.port == nil {
		goto out
	}

	for u.readReg(UART_LSR)&UART_LSR_DR != 0 {
		if u.vanished() {
			goto out
		}
		u.port.RxInterrupt()
	}

	if u.readReg(UART_LSR)&UART_LSR_THRE != 0 {
		u.port.TxInterrupt()
	}

out:
	if u.state.Load() == stateActive {
		u.timer.Set(u.pollInterval())
		// Suspend may have stopped the timer between the check and Set.
		if u.state.Load() != stateActive {
			u.timer.Stop()
		}
	}
}

// TxReady returns how many bytes may be written without waiting, or ErrIO
// if the UART no longer answers.
func (u *UART) TxReady() (int, error) {
	if u.vanished() {
		return 0, ErrIO
	}
	if u.readReg(UART_LSR)&UART_LSR_THRE != 0 {
		return u.FifoSize, nil
	}
	return 0, nil
}

// Putc writes c unconditionally. Callers check TxReady first.
func (u *UART) Putc(c byte) {
	u.writeReg(UART_THR, c)
}

// Getc returns a received byte, or false if none is waiting.
func (u *UART) Getc() (byte, bool) {
	if u.vanished() || u.readReg(UART_LSR)&UART_LSR_DR == 0 {
		return 0, false
	}
	return u.readReg(UART_RBR), true
}

// EndBoot takes the UART's ports back from the control domain once the
// console no longer needs to share them.
func (u *UART) EndBoot() error {
	if u.remapped != nil || !u.portMapped() || u.caps.Grants == nil {
		return nil
	}
	if err := u.caps.Grants.DenyAccess(u.IOBase, u.IOBase+7); err != nil {
		return fmt.Errorf("ns16550: uart%d: revoking ports 0x%x-0x%x: %w", u.index, u.IOBase, u.IOBase+7, err)
	}
	return nil
}

// IRQNumber returns the interrupt line, or -1 for a polled UART.
func (u *UART) IRQNumber() int {
	if u.IRQ > 0 {
		return u.IRQ
	}
	return -1
}
