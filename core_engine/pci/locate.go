package pci

import (
	"errors"
	"log"
)

// DEFAULT_REGION_SIZE is the I/O window a 16550 register bank decodes.
const DEFAULT_REGION_SIZE = 8

var ErrNoMatch = errors.New("pci: no serial controller found")

// Match describes the function a Locator accepted.
type Match struct {
	BDF      BDF
	BAR      uint32 // raw BAR value, restored on resume
	BARIndex int
	IOBase   uint64
	IRQ      int // 0 when the function declares no interrupt pin
}

// Locator scans configuration space for a serial controller exposing an I/O
// BAR of RegionSize bytes.
type Locator struct {
	Config ConfigSpace
	// RegionSize is the expected decode size of the BAR. Zero means
	// DEFAULT_REGION_SIZE.
	RegionSize uint32
	Debug      bool
}

func isSerialClass(class uint16) bool {
	switch class {
	case PCI_CLASS_SERIAL_SINGLE, PCI_CLASS_SERIAL_MULTI, PCI_CLASS_SERIAL_OTHER:
		return true
	}
	return false
}

// sizeSignature is the low half of a sized I/O BAR that decodes exactly
// RegionSize bytes, e.g. 0xfff9 for 8 bytes.
func (l *Locator) sizeSignature() uint32 {
	size := l.RegionSize
	if size == 0 {
		size = DEFAULT_REGION_SIZE
	}
	return (^(size - 1) & 0xffff) | PCI_BASE_ADDRESS_SPACE_IO
}

// Find walks every bus/device/function in ascending order and returns the
// first serial-class function whose BAR barIdx is an I/O BAR of the expected
// size. Bus 0 is skipped when skipFirstBus is set: a plug-in card cannot live
// there, and the management controller that does must not be claimed.
func (l *Locator) Find(skipFirstBus bool, barIdx int) (Match, error) {
	if barIdx < 0 || barIdx >= PCI_NUM_BARS {
		return Match{}, errors.New("pci: BAR index out of range")
	}
	start := 0
	if skipFirstBus {
		start = 1
	}
	want := l.sizeSignature()
	off := BAROffset(barIdx)

	for b := start; b < PCI_MAX_BUS; b++ {
		for d := 0; d < PCI_MAX_DEVICE; d++ {
			nextf := 0
			for f := 0; f < PCI_MAX_FUNCTION; f = nextf {
				bdf := BDF{Bus: uint8(b), Device: uint8(d), Function: uint8(f)}

				// Only function 0 tells whether the others exist.
				nextf = PCI_MAX_FUNCTION
				if f != 0 || l.Config.Read16(bdf, PCI_HEADER_TYPE)&PCI_HEADER_MULTI_FUNCTION != 0 {
					nextf = f + 1
				}

				class := l.Config.Read16(bdf, PCI_CLASS_DEVICE)
				if class == 0xffff && f == 0 {
					nextf = PCI_MAX_FUNCTION
					continue
				}
				if !isSerialClass(class) {
					continue
				}

				bar := l.Config.Read32(bdf, off)
				if !BaseAddress(bar).IsIO() {
					continue
				}

				l.Config.Write32(bdf, off, ^uint32(0))
				size := l.Config.Read32(bdf, off)
				l.Config.Write32(bdf, off, bar)

				if size&0xffff != want {
					if l.Debug {
						log.Printf("pci: %s: BAR%d size signature 0x%04x, want 0x%04x", bdf, barIdx, size&0xffff, want)
					}
					continue
				}

				m := Match{
					BDF:      bdf,
					BAR:      bar,
					BARIndex: barIdx,
					IOBase:   BaseAddress(bar).Addr(),
				}
				if l.Config.Read8(bdf, PCI_INTERRUPT_PIN) != 0 {
					m.IRQ = int(l.Config.Read8(bdf, PCI_INTERRUPT_LINE))
				}
				log.Printf("pci: serial controller at %s, BAR%d %s, irq %d", bdf, barIdx, BaseAddress(bar), m.IRQ)
				return m, nil
			}
		}
	}
	return Match{}, ErrNoMatch
}
