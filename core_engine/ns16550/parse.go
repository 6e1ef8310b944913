package ns16550

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"example.com/v-console/core_engine/pci"
)

// Defaults are the platform-supplied settings of one slot, applied before
// the configuration string is parsed.
type Defaults struct {
	Baud     int // 0 means none
	DataBits int
	Parity   byte // 'n', 'o', 'e', 'm' or 's'
	StopBits int
	IOBase   uint64
	IRQ      int
}

// LegacyDefaults returns the PC COM1/COM2 settings for slot index.
func LegacyDefaults(index int) Defaults {
	d := Defaults{DataBits: 8, Parity: 'n', StopBits: 1}
	switch index {
	case 0:
		d.IOBase, d.IRQ = 0x3f8, 4
	case 1:
		d.IOBase, d.IRQ = 0x2f8, 3
	}
	return d
}

const (
	locationScan    = "pci" // scan past bus 0, fall back to COM1
	locationScanAll = "amt" // scan every bus, no fallback
	legacyIOBase    = 0x3f8
	maxConfigFields = 6
)

func parityFromChar(c byte) (byte, error) {
	switch c {
	case 'n':
		return UART_PARITY_NONE, nil
	case 'o':
		return UART_PARITY_ODD, nil
	case 'e':
		return UART_PARITY_EVEN, nil
	case 'm':
		return UART_PARITY_MARK, nil
	case 's':
		return UART_PARITY_SPACE, nil
	}
	return 0, fmt.Errorf("%w: invalid parity %q", ErrInvalidConfig, c)
}

// applyDefaults resets u to the slot defaults. A slot without a default baud
// auto-detects when the boot console is routed to it.
func (u *UART) applyDefaults(def Defaults, consoleHas bool) error {
	u.Baud = def.Baud
	if u.Baud == 0 && consoleHas {
		u.Baud = BAUD_AUTO
	}
	u.ClockHz = UART_CLOCK_HZ
	u.DataBits = def.DataBits
	u.StopBits = def.StopBits
	u.IOBase = def.IOBase
	u.IRQ = def.IRQ
	u.IOSize = 8
	u.RegWidth = 1
	u.RegShift = 0
	u.FifoSize = 1
	u.Parity = UART_PARITY_NONE
	if def.Parity != 0 {
		p, err := parityFromChar(def.Parity)
		if err != nil {
			return err
		}
		u.Parity = p
	}
	return nil
}

// ParseConfig applies a port specification of the form
//
//	<baud|auto>[/<base-baud>][,DPS[,<io-base|pci|amt>[,<irq>[,<card-bdf>[,<bridge-bdf>]]]]]
//
// on top of the current settings. Empty fields keep their value. An empty
// string configures nothing and returns ErrUnconfigured unless a baud rate is
// already set.
func (u *UART) ParseConfig(conf string) error {
	if conf == "" {
		if u.Baud == 0 {
			return ErrUnconfigured
		}
		return nil
	}
	fields := strings.Split(conf, ",")
	if len(fields) > maxConfigFields {
		return fmt.Errorf("%w: too many fields in %q", ErrInvalidConfig, conf)
	}
	parsers := []func(string) error{
		u.parseBaud,
		u.parseFormat,
		u.parseLocation,
		u.parseIRQ,
		u.parseCard,
		u.parseBridge,
	}
	for i, f := range fields {
		if f == "" {
			continue
		}
		if err := parsers[i](f); err != nil {
			return err
		}
	}
	return nil
}

func (u *UART) parseBaud(f string) error {
	rate, clock, hasClock := strings.Cut(f, "/")
	switch rate {
	case "":
	case "auto":
		u.Baud = BAUD_AUTO
	default:
		baud, err := strconv.ParseUint(rate, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: bad baud rate %q", ErrInvalidConfig, rate)
		}
		if baud != 0 {
			u.Baud = int(baud)
		}
	}
	if hasClock {
		base, err := strconv.ParseUint(clock, 0, 32)
		if err != nil || base == 0 {
			return fmt.Errorf("%w: bad base baud %q", ErrInvalidConfig, clock)
		}
		u.ClockHz = int(base) << 4
	}
	return nil
}

// parseFormat reads DPS: data bits, parity letter, stop bits, e.g. "8n1".
func (u *UART) parseFormat(f string) error {
	if len(f) != 3 || f[0] < '0' || f[0] > '9' || f[2] < '0' || f[2] > '9' {
		return fmt.Errorf("%w: bad line format %q", ErrInvalidConfig, f)
	}
	parity, err := parityFromChar(f[1])
	if err != nil {
		return err
	}
	u.DataBits = int(f[0] - '0')
	u.Parity = parity
	u.StopBits = int(f[2] - '0')
	return nil
}

func (u *UART) parseLocation(f string) error {
	switch f {
	case locationScan:
		return u.locate(true)
	case locationScanAll:
		return u.locate(false)
	}
	base, err := strconv.ParseUint(f, 0, 64)
	if err != nil {
		return fmt.Errorf("%w: bad I/O base %q", ErrInvalidConfig, f)
	}
	u.IOBase = base
	return nil
}

// locate scans PCI for a serial card. The BAR examined is the one matching
// the slot index, so a dual-port card can serve both slots.
func (u *UART) locate(skipFirstBus bool) error {
	var err error
	if u.caps.PCI != nil {
		l := pci.Locator{Config: u.caps.PCI, RegionSize: u.opts.PCIRegionSize}
		var m pci.Match
		m, err = l.Find(skipFirstBus, u.index)
		if err == nil {
			u.IOBase = m.IOBase
			u.IRQ = m.IRQ
			u.PCI.BAR = m.BAR
			u.PCI.BARIndex = m.BARIndex
			u.PCI.Card = m.BDF
			return nil
		}
	} else {
		err = errors.New("no PCI configuration space")
	}
	if !skipFirstBus {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	log.Printf("ns16550: uart%d: no PCI serial card (%v), using 0x%x", u.index, err, legacyIOBase)
	u.IOBase = legacyIOBase
	u.IRQ = 0
	u.ClockHz = UART_CLOCK_HZ
	return nil
}

func (u *UART) parseIRQ(f string) error {
	irq, err := strconv.Atoi(f)
	if err != nil {
		return fmt.Errorf("%w: bad irq %q", ErrInvalidConfig, f)
	}
	u.IRQ = irq
	return nil
}

func (u *UART) parseCard(f string) error {
	bdf, err := pci.ParseBDF(f)
	if err != nil {
		return fmt.Errorf("%w: card: %v", ErrInvalidConfig, err)
	}
	u.PCI.Card = bdf
	u.PCI.CardEnabled = true
	return nil
}

func (u *UART) parseBridge(f string) error {
	bdf, err := pci.ParseBDF(f)
	if err != nil {
		return fmt.Errorf("%w: bridge: %v", ErrInvalidConfig, err)
	}
	u.PCI.Bridge = bdf
	u.PCI.BridgeEnabled = true
	return nil
}
