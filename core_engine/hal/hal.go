// Package hal describes what the platform underneath a console driver can do.
//
// A driver receives one Capabilities value at construction and resolves its
// bus access strategy from it once; nil members mean the capability is absent
// on this platform (no port I/O on most non-x86 machines, no PCI on simple
// SoCs, no interrupt controller during early boot).
package hal

import (
	"time"

	"example.com/v-console/core_engine/pci"
)

// PortIO is byte-wide access to the legacy I/O port space.
type PortIO interface {
	InB(port uint16) byte
	OutB(port uint16, val byte)
}

// Region is a mapped window of device memory. Offsets are relative to the
// physical address the region was mapped from.
type Region interface {
	Read8(off uint64) uint8
	Write8(off uint64, val uint8)
	Read32(off uint64) uint32
	Write32(off uint64, val uint32)
}

// Mapper maps physical device memory into the driver's address space.
type Mapper interface {
	Map(phys uint64, size uint32) (Region, error)
}

// IRQController installs interrupt handlers. The handler for one line is
// never invoked concurrently with itself.
type IRQController interface {
	SetupIRQ(irq int, name string, handler func()) error
}

// Timer is a one-shot timer. Set cancels any pending expiry and arms a new
// one; Stop cancels without rearming.
type Timer interface {
	Set(d time.Duration)
	Stop()
}

// TimerService creates timers whose callback never runs concurrently with
// itself.
type TimerService interface {
	NewTimer(fn func()) Timer
}

// PortAccess revokes port ranges that were lent to an unprivileged consumer
// during boot.
type PortAccess interface {
	DenyAccess(first, last uint64) error
}

// Capabilities is the platform descriptor handed to drivers.
type Capabilities struct {
	Ports  PortIO
	Mapper Mapper
	PCI    pci.ConfigSpace
	IRQ    IRQController
	Timers TimerService
	Grants PortAccess
}
