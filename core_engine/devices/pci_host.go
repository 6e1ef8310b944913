package devices

import (
	"encoding/binary"
	"log"
	"sync"

	"example.com/v-console/core_engine/pci"
)

// PCIFunction is the configuration header of one emulated function.
type PCIFunction struct {
	config   [256]byte
	barSizes [pci.PCI_NUM_BARS]uint32
}

// NewPCIFunction creates a function of the given class. Unused class codes
// such as 0x0600 (host bridge) make it visible to a scan without matching.
func NewPCIFunction(class uint16, multiFunction bool) *PCIFunction {
	f := &PCIFunction{}
	binary.LittleEndian.PutUint16(f.config[0:], 0x8086)
	binary.LittleEndian.PutUint16(f.config[pci.PCI_CLASS_DEVICE:], class)
	if multiFunction {
		f.config[pci.PCI_HEADER_TYPE] = uint8(pci.PCI_HEADER_MULTI_FUNCTION)
	}
	return f
}

// WithIOBAR gives BAR idx an I/O window of size bytes at addr.
func (f *PCIFunction) WithIOBAR(idx int, addr uint32, size uint32) *PCIFunction {
	f.barSizes[idx] = size
	binary.LittleEndian.PutUint32(f.config[pci.BAROffset(idx):], addr&pci.PCI_BASE_ADDRESS_IO_MASK|pci.PCI_BASE_ADDRESS_SPACE_IO)
	return f
}

// WithMemBAR gives BAR idx a 32-bit memory window of size bytes at addr.
func (f *PCIFunction) WithMemBAR(idx int, addr uint32, size uint32) *PCIFunction {
	f.barSizes[idx] = size
	binary.LittleEndian.PutUint32(f.config[pci.BAROffset(idx):], addr&^0xF)
	return f
}

// WithInterrupt sets the interrupt pin (1 = INTA#, 0 = none) and line.
func (f *PCIFunction) WithInterrupt(pin, line uint8) *PCIFunction {
	f.config[pci.PCI_INTERRUPT_PIN] = pin
	f.config[pci.PCI_INTERRUPT_LINE] = line
	return f
}

func barIndex(off uint16) (int, bool) {
	if off < pci.PCI_BASE_ADDRESS_0 || off >= pci.BAROffset(pci.PCI_NUM_BARS) || off%4 != 0 {
		return 0, false
	}
	return int(off-pci.PCI_BASE_ADDRESS_0) / 4, true
}

// writeBAR applies BAR decode: address bits below the window size are
// hardwired to zero and the space bits are read-only.
func (f *PCIFunction) writeBAR(idx int, v uint32) {
	size := f.barSizes[idx]
	off := pci.BAROffset(idx)
	if size == 0 {
		binary.LittleEndian.PutUint32(f.config[off:], 0)
		return
	}
	old := binary.LittleEndian.Uint32(f.config[off:])
	var val uint32
	if old&pci.PCI_BASE_ADDRESS_SPACE_IO != 0 {
		val = v&^(size-1)&pci.PCI_BASE_ADDRESS_IO_MASK | pci.PCI_BASE_ADDRESS_SPACE_IO
	} else {
		val = v&^(size-1)&^0xF | old&0xF
	}
	binary.LittleEndian.PutUint32(f.config[off:], val)
}

// PCIConfigWrite records one configuration write.
type PCIConfigWrite struct {
	BDF   pci.BDF
	Off   uint16
	Value uint32
	Width int
}

// PCIHost emulates configuration space of segment 0. Absent functions read
// as all-ones.
type PCIHost struct {
	Debug bool

	lock   sync.Mutex
	funcs  map[pci.BDF]*PCIFunction
	hidden map[pci.BDF]bool
	writes []PCIConfigWrite
}

func NewPCIHost() *PCIHost {
	return &PCIHost{funcs: make(map[pci.BDF]*PCIFunction), hidden: make(map[pci.BDF]bool)}
}

// AddFunction plugs f in at bdf.
func (h *PCIHost) AddFunction(bdf pci.BDF, f *PCIFunction) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.funcs[bdf] = f
}

func (h *PCIHost) function(bdf pci.BDF) *PCIFunction {
	return h.funcs[bdf]
}

func (h *PCIHost) Read8(bdf pci.BDF, off uint16) uint8 {
	h.lock.Lock()
	defer h.lock.Unlock()
	f := h.function(bdf)
	if f == nil || off >= 256 {
		return 0xFF
	}
	return f.config[off]
}

func (h *PCIHost) Read16(bdf pci.BDF, off uint16) uint16 {
	h.lock.Lock()
	defer h.lock.Unlock()
	f := h.function(bdf)
	if f == nil || off > 254 {
		return 0xFFFF
	}
	return binary.LittleEndian.Uint16(f.config[off:])
}

func (h *PCIHost) Read32(bdf pci.BDF, off uint16) uint32 {
	h.lock.Lock()
	defer h.lock.Unlock()
	f := h.function(bdf)
	if f == nil || off > 252 {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(f.config[off:])
}

func (h *PCIHost) Write16(bdf pci.BDF, off uint16, v uint16) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.writes = append(h.writes, PCIConfigWrite{BDF: bdf, Off: off, Value: uint32(v), Width: 2})
	if h.Debug {
		log.Printf("PCIHost: %s+0x%02x <- 0x%04x", bdf, off, v)
	}
	f := h.function(bdf)
	if f == nil || off > 254 {
		return
	}
	binary.LittleEndian.PutUint16(f.config[off:], v)
}

func (h *PCIHost) Write32(bdf pci.BDF, off uint16, v uint32) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.writes = append(h.writes, PCIConfigWrite{BDF: bdf, Off: off, Value: v, Width: 4})
	if h.Debug {
		log.Printf("PCIHost: %s+0x%02x <- 0x%08x", bdf, off, v)
	}
	f := h.function(bdf)
	if f == nil || off > 252 {
		return
	}
	if idx, ok := barIndex(off); ok {
		f.writeBAR(idx, v)
		return
	}
	binary.LittleEndian.PutUint32(f.config[off:], v)
}

// HideDevice marks bdf as claimed by the hypervisor. It stays accessible
// here; Hidden is the view other consumers would get.
func (h *PCIHost) HideDevice(bdf pci.BDF) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.hidden[bdf] = true
}

// Hidden reports whether bdf was hidden.
func (h *PCIHost) Hidden(bdf pci.BDF) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.hidden[bdf]
}

// Writes returns the configuration writes seen so far.
func (h *PCIHost) Writes() []PCIConfigWrite {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]PCIConfigWrite(nil), h.writes...)
}
