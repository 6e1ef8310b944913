//go:build linux

package linuxhw

import (
	"encoding/binary"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"example.com/v-console/core_engine/pci"
)

const sysfsPCIDevices = "/sys/bus/pci/devices"

// SysfsPCI reads and writes configuration space through
// /sys/bus/pci/devices/0000:bb:dd.f/config. Functions without a config file
// read as all-ones, like an unanswered configuration cycle.
type SysfsPCI struct {
	Root string // defaults to /sys/bus/pci/devices

	lock sync.Mutex
	fds  map[pci.BDF]int
}

func NewSysfsPCI() *SysfsPCI {
	return &SysfsPCI{Root: sysfsPCIDevices, fds: make(map[pci.BDF]int)}
}

func (s *SysfsPCI) path(bdf pci.BDF) string {
	root := s.Root
	if root == "" {
		root = sysfsPCIDevices
	}
	return filepath.Join(root, fmt.Sprintf("0000:%s", bdf), "config")
}

// open returns a cached descriptor, or -1 if the function does not exist.
func (s *SysfsPCI) open(bdf pci.BDF) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fds == nil {
		s.fds = make(map[pci.BDF]int)
	}
	if fd, ok := s.fds[bdf]; ok {
		return fd
	}
	fd, err := unix.Open(s.path(bdf), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		fd = -1
	}
	s.fds[bdf] = fd
	return fd
}

func (s *SysfsPCI) read(bdf pci.BDF, off uint16, buf []byte) bool {
	fd := s.open(bdf)
	if fd < 0 {
		return false
	}
	n, err := unix.Pread(fd, buf, int64(off))
	return err == nil && n == len(buf)
}

func (s *SysfsPCI) write(bdf pci.BDF, off uint16, buf []byte) {
	fd := s.open(bdf)
	if fd < 0 {
		return
	}
	if _, err := unix.Pwrite(fd, buf, int64(off)); err != nil {
		log.Printf("SysfsPCI: write %s+0x%x: %v", bdf, off, err)
	}
}

func (s *SysfsPCI) Read8(bdf pci.BDF, off uint16) uint8 {
	var b [1]byte
	if !s.read(bdf, off, b[:]) {
		return 0xff
	}
	return b[0]
}

func (s *SysfsPCI) Read16(bdf pci.BDF, off uint16) uint16 {
	var b [2]byte
	if !s.read(bdf, off, b[:]) {
		return 0xffff
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (s *SysfsPCI) Read32(bdf pci.BDF, off uint16) uint32 {
	var b [4]byte
	if !s.read(bdf, off, b[:]) {
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (s *SysfsPCI) Write16(bdf pci.BDF, off uint16, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	s.write(bdf, off, b[:])
}

func (s *SysfsPCI) Write32(bdf pci.BDF, off uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.write(bdf, off, b[:])
}

// Close releases every cached descriptor.
func (s *SysfsPCI) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	var first error
	for bdf, fd := range s.fds {
		if fd >= 0 {
			if err := unix.Close(fd); err != nil && first == nil {
				first = err
			}
		}
		delete(s.fds, bdf)
	}
	return first
}
