package core_engine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"example.com/v-console/core_engine/devices"
	"example.com/v-console/core_engine/hal"
	"example.com/v-console/core_engine/ns16550"
	"example.com/v-console/core_engine/pci"
	"example.com/v-console/core_engine/serial"
)

// Board layout of the optional devices.
const (
	PCI_CARD_BAR0      uint32 = 0xe000
	PCI_CARD_BAR1      uint32 = 0xe008
	PCI_CARD_PORT_SIZE uint32 = 8

	MMIO_UART_BASE  uint64 = 0xfe001000
	MMIO_UART_SIZE  uint64 = 0x100
	MMIO_UART_SHIFT uint   = 2
)

// PCICardBDF is where the dual-port serial card is plugged in.
var PCICardBDF = pci.BDF{Bus: 1}

// MachineConfig describes the emulated board and how the console is set up
// on it.
type MachineConfig struct {
	// Ports holds the configuration string of each console slot. An empty
	// string leaves the slot to its platform defaults.
	Ports [ns16550.NR_UARTS]string

	// ConsoleSlot is the slot the boot console is routed to. Its baud
	// defaults to auto-detect.
	ConsoleSlot int

	PCICard bool // dual-port serial card on bus 1, one BAR per port
	DTUART  bool // slot 0 is a DesignWare UART described by firmware

	// VirtualTime drives the driver's timers from Advance instead of the
	// wall clock.
	VirtualTime bool

	// FirmwareDivisor is left in every divisor latch. Zero means 1.
	FirmwareDivisor uint16

	Output  io.Writer // receives everything the UARTs transmit; nil discards
	Options ns16550.Options
	Debug   bool
}

// Machine is an emulated board running the console driver against
// modelled hardware.
type Machine struct {
	Debug bool

	cfg     MachineConfig
	ioBus   *devices.IOBus
	mmioBus *devices.MMIOBus
	pic     *devices.PICDevice
	pciHost *devices.PCIHost
	pit     *devices.PITDevice
	grants  *hal.PortGrants

	hw      map[uint64]*devices.SerialPortDevice // by register base
	driver  *ns16550.Driver
	console *serial.Registry

	lock   sync.Mutex
	booted bool
	closed bool
}

// lockedWriter serializes transmit output from several UARTs.
type lockedWriter struct {
	lock sync.Mutex
	w    io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.w.Write(p)
}

// NewMachine creates the board. Nothing is probed until Boot.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.ConsoleSlot < 0 || cfg.ConsoleSlot >= ns16550.NR_UARTS {
		return nil, fmt.Errorf("console slot %d out of range", cfg.ConsoleSlot)
	}
	if cfg.FirmwareDivisor == 0 {
		cfg.FirmwareDivisor = 1
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	wire := &lockedWriter{w: out}

	m := &Machine{
		Debug:   cfg.Debug,
		cfg:     cfg,
		ioBus:   devices.NewIOBus(),
		mmioBus: devices.NewMMIOBus(),
		pic:     devices.NewPICDevice(),
		pciHost: devices.NewPCIHost(),
		grants:  &hal.PortGrants{},
		hw:      make(map[uint64]*devices.SerialPortDevice),
		console: &serial.Registry{},
	}
	m.ioBus.Debug = cfg.Debug
	m.pic.Debug = cfg.Debug
	m.pciHost.Debug = cfg.Debug

	m.ioBus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, m.pic)
	m.ioBus.RegisterDevice(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, m.pic)

	m.addPortUART(devices.COM1_PORT_BASE, devices.SERIAL_IRQ, wire)
	m.addPortUART(devices.COM2_PORT_BASE, devices.SERIAL2_IRQ, wire)
	m.grants.Permit(uint64(devices.COM1_PORT_BASE), uint64(devices.COM1_PORT_END))
	m.grants.Permit(uint64(devices.COM2_PORT_BASE), uint64(devices.COM2_PORT_END))

	m.pciHost.AddFunction(pci.BDF{}, devices.NewPCIFunction(0x0600, false))
	if cfg.PCICard {
		m.pciHost.AddFunction(PCICardBDF, devices.NewPCIFunction(pci.PCI_CLASS_SERIAL_MULTI, false).
			WithIOBAR(0, PCI_CARD_BAR0, PCI_CARD_PORT_SIZE).
			WithIOBAR(1, PCI_CARD_BAR1, PCI_CARD_PORT_SIZE).
			WithInterrupt(1, devices.PCI_SERIAL_IRQ))
		for _, bar := range []uint32{PCI_CARD_BAR0, PCI_CARD_BAR1} {
			m.addPortUART(uint16(bar), devices.PCI_SERIAL_IRQ, wire)
			m.grants.Permit(uint64(bar), uint64(bar+PCI_CARD_PORT_SIZE-1))
		}
	}

	if cfg.DTUART {
		dev := devices.NewSerialPortDevice(0, devices.MMIO_SERIAL_IRQ, wire, m.pic)
		dev.SetFirmwareDivisor(cfg.FirmwareDivisor)
		dev.EnableDWBusy()
		// Firmware hands over mid-transfer.
		dev.SetBusy()
		dev.Debug = cfg.Debug
		m.mmioBus.RegisterDevice(MMIO_UART_BASE, MMIO_UART_SIZE, MMIO_UART_SHIFT, dev)
		m.hw[MMIO_UART_BASE] = dev
	}

	var timers hal.TimerService = hal.Timers{}
	if cfg.VirtualTime {
		m.pit = devices.NewPITDevice()
		timers = m.pit
	}

	m.driver = ns16550.NewDriver(hal.Capabilities{
		Ports:  m.ioBus,
		Mapper: m.mmioBus,
		PCI:    m.pciHost,
		IRQ:    m.pic,
		Timers: timers,
		Grants: m.grants,
	}, cfg.Options, m.console)

	if m.Debug {
		log.Printf("Machine: board created (pci card %v, dt uart %v, virtual time %v)", cfg.PCICard, cfg.DTUART, cfg.VirtualTime)
	}
	return m, nil
}

func (m *Machine) addPortUART(base uint16, irq uint8, w io.Writer) {
	dev := devices.NewSerialPortDevice(base, irq, w, m.pic)
	dev.SetFirmwareDivisor(m.cfg.FirmwareDivisor)
	dev.Debug = m.cfg.Debug
	m.ioBus.RegisterDevice(base, base+7, dev)
	m.hw[uint64(base)] = dev
}

func (m *Machine) dtNode() *ns16550.DTNode {
	shift := uint32(MMIO_UART_SHIFT)
	width := uint32(4)
	return &ns16550.DTNode{
		Name:       fmt.Sprintf("serial@%x", MMIO_UART_BASE),
		Compatible: []string{ns16550.COMPAT_DW_APB},
		Addr:       MMIO_UART_BASE,
		Size:       MMIO_UART_SIZE,
		RegShift:   &shift,
		RegIOWidth: &width,
		IRQ:        int(devices.MMIO_SERIAL_IRQ),
	}
}

// Boot registers every configured slot and runs the console through its
// boot phases: pre-interrupt setup, interrupt controller start, post-
// interrupt setup, end of boot. Slots that fail to configure or probe are
// skipped; Boot fails only if no slot registered.
func (m *Machine) Boot() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.booted {
		return errors.New("Machine: already booted")
	}

	registered := 0
	for i := 0; i < ns16550.NR_UARTS; i++ {
		var err error
		if i == 0 && m.cfg.DTUART {
			_, err = m.driver.InitDT(m.dtNode())
		} else {
			_, err = m.driver.Init(i, ns16550.LegacyDefaults(i), i == m.cfg.ConsoleSlot, m.cfg.Ports[i])
		}
		switch {
		case err == nil:
			registered++
		case errors.Is(err, ns16550.ErrUnconfigured):
		default:
			log.Printf("Machine: uart%d unavailable: %v", i, err)
		}
	}
	if registered == 0 {
		return errors.New("Machine: no console port registered")
	}

	m.console.InitPreIRQ()
	m.pic.Start()
	m.console.InitPostIRQ()
	m.console.EndBoot()
	m.booted = true
	if m.Debug {
		log.Printf("Machine: booted with %d console port(s)", registered)
	}
	return nil
}

// Port returns the console port of slot index, or nil.
func (m *Machine) Port(index int) *serial.Port {
	return m.console.Port(index)
}

// UART returns the driver state of slot index, or nil.
func (m *Machine) UART(index int) *ns16550.UART {
	return m.driver.UART(index)
}

// Device returns the emulated hardware behind slot index, or nil.
func (m *Machine) Device(index int) *devices.SerialPortDevice {
	u := m.driver.UART(index)
	if u == nil {
		return nil
	}
	return m.hw[u.IOBase]
}

// PCI exposes the emulated configuration space.
func (m *Machine) PCI() *devices.PCIHost { return m.pciHost }

func (m *Machine) device(index int) (*devices.SerialPortDevice, error) {
	dev := m.Device(index)
	if dev == nil {
		return nil, fmt.Errorf("Machine: no UART in slot %d", index)
	}
	return dev, nil
}

// Send puts data on the receive line of slot index, as typed by a remote
// terminal. It returns how many bytes the UART accepted.
func (m *Machine) Send(index int, data []byte) (int, error) {
	dev, err := m.device(index)
	if err != nil {
		return 0, err
	}
	return dev.Inject(data), nil
}

// Unplug makes the UART behind slot index disappear from its bus.
func (m *Machine) Unplug(index int) error {
	dev, err := m.device(index)
	if err != nil {
		return err
	}
	dev.PowerOff()
	return nil
}

// Replug brings the UART behind slot index back in its reset state.
func (m *Machine) Replug(index int) error {
	dev, err := m.device(index)
	if err != nil {
		return err
	}
	dev.PowerOn()
	return nil
}

// Suspend quiesces the console and powers the board down.
func (m *Machine) Suspend() {
	m.console.Suspend()
	for _, dev := range m.hw {
		dev.PowerOff()
	}
	if m.Debug {
		log.Println("Machine: suspended")
	}
}

// Resume powers the board up and resumes the console. With lateReads > 0
// each UART only answers after ignoring that many register reads, like a
// controller behind a bridge firmware has not restored yet. Firmware also
// leaves the PCI card unconfigured.
func (m *Machine) Resume(lateReads int) {
	for _, dev := range m.hw {
		if lateReads > 0 {
			dev.PowerOffFor(lateReads)
		} else {
			dev.PowerOn()
		}
	}
	if m.cfg.PCICard {
		m.pciHost.Write32(PCICardBDF, pci.BAROffset(0), 0)
		m.pciHost.Write32(PCICardBDF, pci.BAROffset(1), 0)
		m.pciHost.Write16(PCICardBDF, pci.PCI_COMMAND, 0)
	}
	m.console.Resume()
	if m.Debug {
		log.Printf("Machine: resumed (late reads %d)", lateReads)
	}
}

// Advance moves virtual time forward and returns the number of timer
// expiries it ran. It does nothing on a wall-clock machine.
func (m *Machine) Advance(d time.Duration) int {
	if m.pit == nil {
		return 0
	}
	return m.pit.Advance(d)
}

// Virtual reports whether the machine runs on virtual time.
func (m *Machine) Virtual() bool { return m.pit != nil }

// HandleIO performs a port access on behalf of the control domain. Only
// ports currently lent to it are reachable.
func (m *Machine) HandleIO(port uint16, data []byte, direction uint8, size uint8, count uint32) error {
	if m.Debug {
		dir := "OUT"
		if direction == devices.IODirectionIn {
			dir = "IN"
		}
		log.Printf("Machine: IO port=0x%x dir=%s size=%d count=%d", port, dir, size, count)
	}
	if !m.grants.Allowed(uint64(port)) {
		return fmt.Errorf("Machine: port 0x%x not accessible to the control domain", port)
	}
	if len(data) < int(size) {
		return fmt.Errorf("Machine: data buffer too small for I/O operation (size %d, buffer %d)", size, len(data))
	}
	for i := uint32(0); i < count; i++ {
		if err := m.ioBus.HandleIO(port, direction, size, data[:size]); err != nil {
			return err
		}
	}
	return nil
}

// HandleMMIO performs a 1- or 4-byte memory access to device space.
func (m *Machine) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	n := len(data)
	if n != 1 && n != 4 {
		return fmt.Errorf("Machine: MMIO access of %d bytes at 0x%x unsupported", n, addr)
	}
	r, err := m.mmioBus.Map(addr, uint32(n))
	if err != nil {
		if !isWrite {
			for i := range data {
				data[i] = 0xFF
			}
		}
		return fmt.Errorf("Machine: MMIO to address 0x%x (length %d, write: %t) unhandled: %w", addr, n, isWrite, err)
	}
	switch {
	case n == 1 && isWrite:
		r.Write8(0, data[0])
	case n == 1:
		data[0] = r.Read8(0)
	case isWrite:
		r.Write32(0, uint32(data[0])|uint32(data[1])<<8|uint32(data[2])<<16|uint32(data[3])<<24)
	default:
		v := r.Read32(0)
		data[0], data[1], data[2], data[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	return nil
}

// PortAllowed reports whether the control domain may still access port.
func (m *Machine) PortAllowed(port uint16) bool {
	return m.grants.Allowed(uint64(port))
}

// Close stops the console timers and interrupt delivery.
func (m *Machine) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.booted {
		m.console.Suspend()
	}
	err := m.pic.Close()
	if m.Debug {
		log.Println("Machine: closed")
	}
	return err
}
