package ns16550

import "log"

// readReg reads register reg. Without a mapping the access goes to legacy
// port space at io_base+reg; a bank that is neither reads as all-ones.
func (u *UART) readReg(reg int) byte {
	if u.remapped == nil {
		if !u.portMapped() {
			return 0xff
		}
		return u.caps.Ports.InB(uint16(u.IOBase) + uint16(reg))
	}
	off := uint64(reg) << u.RegShift
	switch u.RegWidth {
	case 1:
		return u.remapped.Read8(off)
	case 4:
		return byte(u.remapped.Read32(off))
	default:
		return 0xff
	}
}

func (u *UART) writeReg(reg int, val byte) {
	if u.remapped == nil {
		if u.portMapped() {
			u.caps.Ports.OutB(uint16(u.IOBase)+uint16(reg), val)
		}
		return
	}
	off := uint64(reg) << u.RegShift
	switch u.RegWidth {
	case 1:
		u.remapped.Write8(off, val)
	case 4:
		u.remapped.Write32(off, uint32(val))
	}
}

// mapRegisters maps the register bank of a memory-mapped controller. A failed
// mapping leaves the bank unmapped, so every read returns 0xff.
func (u *UART) mapRegisters() {
	if u.remapped != nil || u.portMapped() {
		return
	}
	if u.caps.Mapper == nil {
		log.Printf("ERROR: ns16550: uart%d: no MMIO mapper for 0x%x", u.index, u.IOBase)
		return
	}
	size := max(u.IOSize, uint32(8)<<u.RegShift)
	r, err := u.caps.Mapper.Map(u.IOBase, size)
	if err != nil {
		log.Printf("ERROR: ns16550: uart%d: failed to map 0x%x+0x%x: %v", u.index, u.IOBase, size, err)
		return
	}
	u.remapped = r
}
