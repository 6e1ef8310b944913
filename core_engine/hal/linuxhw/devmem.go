//go:build linux

package linuxhw

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/v-console/core_engine/hal"
)

// DevMem maps physical device memory through /dev/mem.
type DevMem struct {
	fd int

	lock    sync.Mutex
	regions []*memRegion
}

// OpenDevMem opens /dev/mem with O_SYNC so mappings are uncached.
func OpenDevMem() (*DevMem, error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/mem: %w", err)
	}
	return &DevMem{fd: fd}, nil
}

// Map maps [phys, phys+size) rounded out to page boundaries.
func (m *DevMem) Map(phys uint64, size uint32) (hal.Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("DevMem: zero-sized mapping at 0x%x", phys)
	}
	page := uint64(unix.Getpagesize())
	start := phys &^ (page - 1)
	end := (phys + uint64(size) + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(m.fd, int64(start), int(end-start), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("DevMem: mmap 0x%x+0x%x: %w", phys, size, err)
	}
	r := &memRegion{mem: mem, skew: phys - start}

	m.lock.Lock()
	m.regions = append(m.regions, r)
	m.lock.Unlock()
	return r, nil
}

// Close unmaps every region and closes /dev/mem.
func (m *DevMem) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, r := range m.regions {
		if err := unix.Munmap(r.mem); err != nil {
			return err
		}
	}
	m.regions = nil
	if m.fd == 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = 0
	return err
}

type memRegion struct {
	mem  []byte
	skew uint64 // offset of the mapped physical address inside mem
}

func (r *memRegion) Read8(off uint64) uint8 {
	return r.mem[r.skew+off]
}

func (r *memRegion) Write8(off uint64, val uint8) {
	r.mem[r.skew+off] = val
}

// 32-bit accesses go through sync/atomic so each one is a single bus
// transaction of the full width.
func (r *memRegion) Read32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[r.skew+off])))
}

func (r *memRegion) Write32(off uint64, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[r.skew+off])), val)
}
