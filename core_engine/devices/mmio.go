package devices

import (
	"fmt"
	"sync"

	"example.com/v-console/core_engine/hal"
)

// RegisterFile is a device whose registers are addressed by index.
type RegisterFile interface {
	ReadReg(reg uint16) byte
	WriteReg(reg uint16, val byte)
}

type mmioWindow struct {
	base  uint64
	size  uint64
	shift uint
	dev   RegisterFile
}

// MMIOBus places register files in physical address space and hands out
// mappings of them.
type MMIOBus struct {
	lock    sync.Mutex
	windows []mmioWindow
}

func NewMMIOBus() *MMIOBus {
	return &MMIOBus{}
}

// RegisterDevice decodes [base, base+size) to dev, one register every
// 1<<shift bytes.
func (bus *MMIOBus) RegisterDevice(base, size uint64, shift uint, dev RegisterFile) {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	bus.windows = append(bus.windows, mmioWindow{base: base, size: size, shift: shift, dev: dev})
}

// Map returns a region for [phys, phys+size) if one device decodes all of it.
func (bus *MMIOBus) Map(phys uint64, size uint32) (hal.Region, error) {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	for _, w := range bus.windows {
		if phys >= w.base && phys+uint64(size) <= w.base+w.size {
			return &mmioRegion{w: w, skew: phys - w.base}, nil
		}
	}
	return nil, fmt.Errorf("MMIOBus: nothing decodes 0x%x+0x%x", phys, size)
}

type mmioRegion struct {
	w    mmioWindow
	skew uint64
}

// reg translates a byte offset to a register index. Accesses between
// registers hit nothing.
func (r *mmioRegion) reg(off uint64) (uint16, bool) {
	addr := r.skew + off
	if addr >= r.w.size || addr&(1<<r.w.shift-1) != 0 {
		return 0, false
	}
	return uint16(addr >> r.w.shift), true
}

func (r *mmioRegion) Read8(off uint64) uint8 {
	reg, ok := r.reg(off)
	if !ok {
		return 0xFF
	}
	return r.w.dev.ReadReg(reg)
}

func (r *mmioRegion) Write8(off uint64, val uint8) {
	if reg, ok := r.reg(off); ok {
		r.w.dev.WriteReg(reg, val)
	}
}

// A 32-bit access moves the register in the low byte; the upper bytes read as
// zero unless nothing answers.
func (r *mmioRegion) Read32(off uint64) uint32 {
	reg, ok := r.reg(off)
	if !ok {
		return 0xFFFFFFFF
	}
	v := r.w.dev.ReadReg(reg)
	if v == 0xFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

func (r *mmioRegion) Write32(off uint64, val uint32) {
	if reg, ok := r.reg(off); ok {
		r.w.dev.WriteReg(reg, byte(val))
	}
}
