//go:build linux

// Package linuxhw backs the hal capabilities with real hardware on a Linux
// host: /dev/port for legacy port I/O, /dev/mem for MMIO and sysfs for PCI
// configuration space. All of it needs CAP_SYS_RAWIO.
package linuxhw

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"
)

// DevPort performs port I/O through /dev/port, where the file offset is the
// port number.
type DevPort struct {
	fd int
}

// OpenDevPort opens /dev/port read-write.
func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/port: %w", err)
	}
	return &DevPort{fd: fd}, nil
}

// InB returns 0xff when the access fails, which is what a read of an
// undecoded port returns on the bus.
func (p *DevPort) InB(port uint16) byte {
	var buf [1]byte
	if _, err := unix.Pread(p.fd, buf[:], int64(port)); err != nil {
		log.Printf("DevPort: inb 0x%x: %v", port, err)
		return 0xff
	}
	return buf[0]
}

func (p *DevPort) OutB(port uint16, val byte) {
	if _, err := unix.Pwrite(p.fd, []byte{val}, int64(port)); err != nil {
		log.Printf("DevPort: outb 0x%x: %v", port, err)
	}
}

func (p *DevPort) Close() error {
	if p.fd == 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = 0
	return err
}
