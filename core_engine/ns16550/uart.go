// Package ns16550 drives 16550-compatible UARTs as the hypervisor's debug
// console. It works over legacy port I/O, memory-mapped registers and PCI
// serial cards, before and after the interrupt subsystem is up, and survives
// the UART disappearing across suspend/resume.
package ns16550

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"example.com/v-console/core_engine/hal"
	"example.com/v-console/core_engine/pci"
)

var (
	ErrUnconfigured  = errors.New("ns16550: port not configured")
	ErrInvalidConfig = errors.New("ns16550: invalid configuration")
	ErrNotPresent    = errors.New("ns16550: 16550-compatible serial UART not present")
	ErrNoDevice      = errors.New("ns16550: no PCI serial controller found")
	ErrIO            = errors.New("ns16550: I/O error")
)

// Sink is the console port a registered UART reports to. Both callbacks may
// call back into TxReady/Putc/Getc.
type Sink interface {
	TxInterrupt()
	RxInterrupt()
}

// Options are platform tunables. Zero fields take the DEFAULT_* values. A
// negative ResumeRetries (NO_RESUME_RETRIES) forces the resume at once.
type Options struct {
	PortIOLimit   uint64
	ResumeDelay   time.Duration
	ResumeRetries int
	PCIRegionSize uint32
}

func (o Options) withDefaults() Options {
	if o.PortIOLimit == 0 {
		o.PortIOLimit = DEFAULT_PORT_IO_LIMIT
	}
	if o.ResumeDelay == 0 {
		o.ResumeDelay = DEFAULT_RESUME_DELAY
	}
	if o.ResumeRetries == 0 {
		o.ResumeRetries = DEFAULT_RESUME_RETRIES
	}
	if o.PCIRegionSize == 0 {
		o.PCIRegionSize = pci.DEFAULT_REGION_SIZE
	}
	return o
}

// PCIAttachment holds the bus location of a PCI-attached UART.
type PCIAttachment struct {
	Card          pci.BDF // serial function
	CardEnabled   bool    // Card was given explicitly and is programmed by early init
	Bridge        pci.BDF // bridge the card sits behind
	BridgeEnabled bool
	BAR           uint32 // BAR value found by the bus scan, zero if none
	BARIndex      int
	Command       uint16 // command register saved across suspend
}

// Power states.
const (
	stateActive int32 = iota
	stateSuspended
	stateResuming
)

// UART is the descriptor and runtime state of one controller slot.
type UART struct {
	index int

	Baud     int // BAUD_AUTO until setup reads the divisor back
	ClockHz  int
	DataBits int
	Parity   byte
	StopBits int

	IOBase   uint64
	IOSize   uint32
	RegShift uint
	RegWidth int

	FifoSize  int
	IRQ       int // >0 interrupt driven, 0 polled, <0 unset
	TimeoutMS int

	// DWUsrBsy enables the DesignWare busy-detect workaround.
	DWUsrBsy bool

	PCI PCIAttachment

	caps   hal.Capabilities
	opts   Options
	attach attachment

	remapped     hal.Region
	irqInstalled bool
	port         Sink

	timer       hal.Timer
	resumeTimer hal.Timer
	resumeTries int

	intrWorks atomic.Bool
	state     atomic.Int32
}

// Index is the slot handle of the UART.
func (u *UART) Index() int { return u.index }

// IntrWorks reports whether an interrupt has been observed since boot.
func (u *UART) IntrWorks() bool { return u.intrWorks.Load() }

// Remapped reports whether registers are accessed through a memory mapping.
func (u *UART) Remapped() bool { return u.remapped != nil }

// Attachment names the bus variant the UART was bound to.
func (u *UART) Attachment() string {
	if u.attach == nil {
		return "unbound"
	}
	return u.attach.name()
}

// portMapped reports whether the controller sits in legacy port space.
func (u *UART) portMapped() bool {
	return u.caps.Ports != nil && u.IOBase < u.opts.PortIOLimit
}

func (u *UART) validate() error {
	if u.Baud != BAUD_AUTO && (u.Baud < 1200 || u.Baud > 115200) {
		return fmt.Errorf("%w: baud rate %d outside supported range", ErrInvalidConfig, u.Baud)
	}
	if u.DataBits < 5 || u.DataBits > 8 {
		return fmt.Errorf("%w: %d data bits are unsupported", ErrInvalidConfig, u.DataBits)
	}
	if u.StopBits < 1 || u.StopBits > 2 {
		return fmt.Errorf("%w: %d stop bits are unsupported", ErrInvalidConfig, u.StopBits)
	}
	if u.IOBase == 0 {
		return fmt.Errorf("%w: I/O base address must be specified", ErrInvalidConfig)
	}
	if u.RegWidth != 1 && u.RegWidth != 4 {
		return fmt.Errorf("%w: register width %d is unsupported", ErrInvalidConfig, u.RegWidth)
	}
	switch u.Parity {
	case UART_PARITY_NONE, UART_PARITY_ODD, UART_PARITY_EVEN, UART_PARITY_MARK, UART_PARITY_SPACE:
	default:
		return fmt.Errorf("%w: parity 0x%02x is unsupported", ErrInvalidConfig, u.Parity)
	}
	return nil
}

// computeTimeout estimates the time to fill or drain the FIFO once.
func (u *UART) computeTimeout() int {
	bits := u.DataBits + u.StopBits
	if u.Parity != UART_PARITY_NONE {
		bits++
	}
	if u.Baud <= 0 {
		return 1
	}
	return max(1, bits*u.FifoSize*1000/u.Baud)
}

func (u *UART) lcr() byte {
	return byte(u.DataBits-5) | byte(u.StopBits-1)<<2 | u.Parity
}

// divisor is the divisor-latch value for the configured baud rate.
func (u *UART) divisor() int {
	return u.ClockHz / (u.Baud << 4)
}
