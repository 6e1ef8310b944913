package ns16550

import (
	"log"

	"example.com/v-console/core_engine/pci"
)

// attachment is the bus-specific part of a UART. It is chosen once by bind
// after the descriptor is parsed and never changes afterwards.
type attachment interface {
	name() string
	// needsProbe reports whether the register bank may be poked before setup.
	needsProbe(u *UART) bool
	// earlyInit runs before the probe and at the start of every pre-IRQ setup.
	earlyInit(u *UART)
	// claimed runs after post-IRQ setup.
	claimed(u *UART)
	suspend(u *UART)
	restore(u *UART)
}

type portAttach struct{}

func (portAttach) name() string { return "port" }
func (portAttach) needsProbe(*UART) bool { return true }
func (portAttach) earlyInit(*UART) {}
func (portAttach) claimed(*UART) {}
func (portAttach) suspend(*UART) {}
func (portAttach) restore(*UART) {}

type mmioAttach struct{}

func (mmioAttach) name() string { return "mmio" }
func (mmioAttach) needsProbe(*UART) bool { return false }
func (mmioAttach) earlyInit(*UART) {}
func (mmioAttach) claimed(*UART) {}
func (mmioAttach) suspend(*UART) {}
func (mmioAttach) restore(*UART) {}

// dtAttach is a memory-mapped UART described by firmware properties.
type dtAttach struct {
	mmioAttach
}

func (dtAttach) name() string { return "dt" }

// pciAttach is a UART on a PCI serial card, either found by the bus scan or
// named by card/bridge coordinates.
type pciAttach struct{}

func (pciAttach) name() string { return "pci" }

func (pciAttach) needsProbe(u *UART) bool { return u.portMapped() }

// earlyInit programs the bridge window, BAR0 and the command register of a
// card the firmware left unconfigured.
func (pciAttach) earlyInit(u *UART) {
	cs := u.caps.PCI
	if cs == nil || !u.PCI.CardEnabled || !u.portMapped() {
		return
	}
	if u.PCI.BridgeEnabled {
		window := uint16(u.IOBase & 0xf000)
		cs.Write16(u.PCI.Bridge, pci.PCI_IO_BASE, window|window>>8)
	}
	cs.Write32(u.PCI.Card, pci.PCI_BASE_ADDRESS_0, uint32(u.IOBase)|pci.PCI_BASE_ADDRESS_SPACE_IO)
	cs.Write16(u.PCI.Card, pci.PCI_COMMAND, pci.PCI_COMMAND_IO)
}

func (pciAttach) claimed(u *UART) {
	if u.PCI.BAR == 0 && !u.PCI.CardEnabled {
		return
	}
	h, ok := u.caps.PCI.(pci.Hider)
	if !ok {
		return
	}
	bdf := u.PCI.Card
	h.HideDevice(bdf)
	log.Printf("ns16550: uart%d: hid PCI function %s", u.index, bdf)
}

func (pciAttach) suspend(u *UART) {
	if u.PCI.BAR != 0 && u.caps.PCI != nil {
		u.PCI.Command = u.caps.PCI.Read16(u.PCI.Card, pci.PCI_COMMAND)
	}
}

func (pciAttach) restore(u *UART) {
	if u.PCI.BAR != 0 && u.caps.PCI != nil {
		u.caps.PCI.Write32(u.PCI.Card, pci.BAROffset(u.PCI.BARIndex), u.PCI.BAR)
		u.caps.PCI.Write16(u.PCI.Card, pci.PCI_COMMAND, u.PCI.Command)
	}
}

// bind picks the attachment variant for a parsed descriptor.
func (u *UART) bind(fromDT bool) {
	switch {
	case fromDT:
		u.attach = dtAttach{}
	case u.PCI.BAR != 0 || u.PCI.CardEnabled:
		u.attach = pciAttach{}
	case u.portMapped():
		u.attach = portAttach{}
	default:
		u.attach = mmioAttach{}
	}
}
