package ns16550

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"example.com/v-console/core_engine/hal"
	"example.com/v-console/core_engine/serial"
)

// Driver owns the NR_UARTS controller slots of one platform. A slot is
// addressed by its index, which is also the console index it registers as.
type Driver struct {
	Caps    hal.Capabilities
	Opts    Options
	Console *serial.Registry

	lock  sync.Mutex
	uarts [NR_UARTS]*UART
}

func NewDriver(caps hal.Capabilities, opts Options, console *serial.Registry) *Driver {
	return &Driver{Caps: caps, Opts: opts.withDefaults(), Console: console}
}

// UART returns the controller registered in slot index, or nil.
func (d *Driver) UART(index int) *UART {
	if index < 0 || index >= NR_UARTS {
		return nil
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.uarts[index]
}

func (d *Driver) newUART(index int) (*UART, error) {
	if index < 0 || index >= NR_UARTS {
		return nil, fmt.Errorf("ns16550: slot %d out of range", index)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.uarts[index] != nil {
		return nil, fmt.Errorf("ns16550: slot %d already registered", index)
	}
	return &UART{index: index, caps: d.Caps, opts: d.Opts.withDefaults()}, nil
}

// Init configures slot index from the platform defaults and a port
// specification, probes the hardware and registers the UART with the
// console. A slot with neither a specification nor a default baud is left
// unregistered and Init returns ErrUnconfigured.
func (d *Driver) Init(index int, def Defaults, consoleHas bool, conf string) (*UART, error) {
	u, err := d.newUART(index)
	if err != nil {
		return nil, err
	}
	if err := u.applyDefaults(def, consoleHas); err != nil {
		return nil, d.reject(u, err)
	}
	if err := u.ParseConfig(conf); err != nil {
		if errors.Is(err, ErrUnconfigured) {
			return nil, err
		}
		return nil, d.reject(u, err)
	}
	if err := u.validate(); err != nil {
		return nil, d.reject(u, err)
	}
	u.bind(false)
	if err := d.register(u); err != nil {
		return nil, err
	}
	return u, nil
}

// InitDT configures slot 0 from a device-tree node.
func (d *Driver) InitDT(n *DTNode) (*UART, error) {
	u, err := d.newUART(0)
	if err != nil {
		return nil, err
	}
	if err := u.configureDT(n); err != nil {
		return nil, d.reject(u, err)
	}
	if err := u.validate(); err != nil {
		return nil, d.reject(u, err)
	}
	u.bind(true)
	if err := d.register(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (d *Driver) reject(u *UART, err error) error {
	log.Printf("ERROR: ns16550: uart%d: %v", u.index, err)
	return err
}

func (d *Driver) register(u *UART) error {
	if u.attach.needsProbe(u) && !u.checkExistence() {
		return d.reject(u, fmt.Errorf("%w at 0x%x", ErrNotPresent, u.IOBase))
	}
	if d.Console == nil {
		return d.reject(u, errors.New("no console registry"))
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.uarts[u.index] != nil {
		return fmt.Errorf("ns16550: slot %d already registered", u.index)
	}
	port, err := d.Console.Register(u.index, u)
	if err != nil {
		log.Printf("ERROR: ns16550: uart%d: %v", u.index, err)
		return err
	}
	u.port = port
	d.uarts[u.index] = u
	log.Printf("ns16550: uart%d: %s at 0x%x, irq %d, %d %d%c%d", u.index, u.Attachment(), u.IOBase, u.IRQ,
		u.Baud, u.DataBits, parityChar(u.Parity), u.StopBits)
	return nil
}

func parityChar(p byte) byte {
	switch p {
	case UART_PARITY_ODD:
		return 'o'
	case UART_PARITY_EVEN:
		return 'e'
	case UART_PARITY_MARK:
		return 'm'
	case UART_PARITY_SPACE:
		return 's'
	}
	return 'n'
}
