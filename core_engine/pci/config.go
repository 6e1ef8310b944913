// Package pci defines the PCI configuration-space contract used by the console
// drivers, together with the bus locator that finds serial cards on it.
package pci

import (
	"fmt"
	"strconv"
	"strings"
)

// Configuration space offsets (header type 0 unless noted).
const (
	PCI_COMMAND        uint16 = 0x04
	PCI_CLASS_DEVICE   uint16 = 0x0a // class code + subclass, 16 bits
	PCI_HEADER_TYPE    uint16 = 0x0e
	PCI_BASE_ADDRESS_0 uint16 = 0x10
	PCI_IO_BASE        uint16 = 0x1c // header type 1 (bridge): I/O base/limit
	PCI_INTERRUPT_LINE uint16 = 0x3c
	PCI_INTERRUPT_PIN  uint16 = 0x3d
)

const (
	PCI_COMMAND_IO             uint16 = 0x1
	PCI_HEADER_MULTI_FUNCTION  uint16 = 0x80
	PCI_BASE_ADDRESS_SPACE_IO  uint32 = 0x1
	PCI_BASE_ADDRESS_IO_MASK   uint32 = ^uint32(0x3)
	PCI_NUM_BARS                      = 6
	PCI_MAX_BUS                       = 0x100
	PCI_MAX_DEVICE                    = 0x20
	PCI_MAX_FUNCTION                  = 8
)

// Device classes that identify a serial controller.
const (
	PCI_CLASS_SERIAL_SINGLE uint16 = 0x0700
	PCI_CLASS_SERIAL_MULTI  uint16 = 0x0702
	PCI_CLASS_SERIAL_OTHER  uint16 = 0x0780
)

// ConfigSpace gives access to the configuration space of every function on
// segment 0. Reads of absent functions return all-ones.
type ConfigSpace interface {
	Read8(bdf BDF, off uint16) uint8
	Read16(bdf BDF, off uint16) uint16
	Read32(bdf BDF, off uint16) uint32
	Write16(bdf BDF, off uint16, v uint16)
	Write32(bdf BDF, off uint16, v uint32)
}

// Hider is implemented by configuration spaces that can hide a function from
// other consumers once the hypervisor has claimed it.
type Hider interface {
	HideDevice(bdf BDF)
}

// BDF is a bus/device/function triple.
type BDF struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParseBDF parses "bb:dd.f" with hexadecimal fields.
func ParseBDF(s string) (BDF, error) {
	busStr, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return BDF{}, fmt.Errorf("invalid BDF %q: expected bb:dd.f", s)
	}
	devStr, fnStr, ok := strings.Cut(rest, ".")
	if !ok {
		return BDF{}, fmt.Errorf("invalid BDF %q: expected bb:dd.f", s)
	}
	bus, err := strconv.ParseUint(busStr, 16, 8)
	if err != nil {
		return BDF{}, fmt.Errorf("invalid BDF %q: bus: %w", s, err)
	}
	dev, err := strconv.ParseUint(devStr, 16, 8)
	if err != nil || dev >= PCI_MAX_DEVICE {
		return BDF{}, fmt.Errorf("invalid BDF %q: bad device", s)
	}
	fn, err := strconv.ParseUint(fnStr, 16, 8)
	if err != nil || fn >= PCI_MAX_FUNCTION {
		return BDF{}, fmt.Errorf("invalid BDF %q: bad function", s)
	}
	return BDF{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus, b.Device, b.Function)
}

// BAROffset returns the configuration offset of base address register idx.
func BAROffset(idx int) uint16 {
	return PCI_BASE_ADDRESS_0 + uint16(idx)*4
}

// BaseAddress is a raw base address register value.
type BaseAddress uint32

func (b BaseAddress) IsIO() bool {
	return uint32(b)&PCI_BASE_ADDRESS_SPACE_IO != 0
}

// Addr strips the space indicator bits of an I/O BAR.
func (b BaseAddress) Addr() uint64 {
	return uint64(uint32(b) & PCI_BASE_ADDRESS_IO_MASK)
}

func (b BaseAddress) String() string {
	tp := "mem"
	if b.IsIO() {
		tp = "i/o"
	}
	return fmt.Sprintf("{%s: 0x%08x}", tp, b.Addr())
}
