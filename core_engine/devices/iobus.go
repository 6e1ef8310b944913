package devices

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// PioDevice defines the interface for a port I/O device.
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

type portRange struct {
	start, end uint16
	device     PioDevice
}

// IOBus manages port I/O access to registered devices. It also serves as the
// legacy port space of the console drivers: InB of a port nobody decodes
// returns 0xFF, as on a real ISA bus.
type IOBus struct {
	Debug bool

	lock   sync.RWMutex
	ranges []portRange // sorted by start
}

// NewIOBus creates and initializes a new IOBus.
func NewIOBus() *IOBus {
	return &IOBus{}
}

// RegisterDevice registers a device to handle I/O for ports startPort..endPort.
// A later registration overlapping an earlier one replaces it.
func (bus *IOBus) RegisterDevice(startPort, endPort uint16, device PioDevice) {
	if device == nil {
		log.Printf("IOBus: Warning: Attempted to register a nil device for ports 0x%x-0x%x", startPort, endPort)
		return
	}
	bus.lock.Lock()
	defer bus.lock.Unlock()

	kept := bus.ranges[:0]
	for _, r := range bus.ranges {
		if r.end < startPort || r.start > endPort {
			kept = append(kept, r)
			continue
		}
		log.Printf("IOBus: Warning: Ports 0x%x-0x%x already registered to a device (%T). Overwriting with new device (%T).", r.start, r.end, r.device, device)
	}
	bus.ranges = append(kept, portRange{start: startPort, end: endPort, device: device})
	sort.Slice(bus.ranges, func(i, j int) bool { return bus.ranges[i].start < bus.ranges[j].start })
}

// UnregisterDevice removes every range served by device.
func (bus *IOBus) UnregisterDevice(device PioDevice) {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	kept := bus.ranges[:0]
	for _, r := range bus.ranges {
		if r.device != device {
			kept = append(kept, r)
		}
	}
	bus.ranges = kept
}

func (bus *IOBus) lookup(port uint16) PioDevice {
	bus.lock.RLock()
	defer bus.lock.RUnlock()
	i := sort.Search(len(bus.ranges), func(i int) bool { return bus.ranges[i].end >= port })
	if i < len(bus.ranges) && bus.ranges[i].start <= port {
		return bus.ranges[i].device
	}
	return nil
}

// HandleIO routes an I/O operation to the appropriate registered device.
func (bus *IOBus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	device := bus.lookup(port)
	if device == nil {
		return fmt.Errorf("IOBus: Unhandled I/O to port 0x%x", port)
	}
	return device.HandleIO(port, direction, size, data)
}

// InB reads one byte from port.
func (bus *IOBus) InB(port uint16) byte {
	data := []byte{0xFF}
	if err := bus.HandleIO(port, IODirectionIn, 1, data); err != nil {
		if bus.Debug {
			log.Printf("IOBus: in 0x%x: %v", port, err)
		}
		return 0xFF
	}
	return data[0]
}

// OutB writes one byte to port.
func (bus *IOBus) OutB(port uint16, val byte) {
	if err := bus.HandleIO(port, IODirectionOut, 1, []byte{val}); err != nil && bus.Debug {
		log.Printf("IOBus: out 0x%x: %v", port, err)
	}
}
