package hal

import (
	"fmt"
	"log"
	"sync"
)

// PortRange is an inclusive range of I/O ports.
type PortRange struct {
	First, Last uint64
}

// PortGrants tracks the port ranges currently lent to an unprivileged
// consumer (the control domain, before the hypervisor console goes
// asynchronous).
type PortGrants struct {
	lock   sync.Mutex
	ranges []PortRange
}

// Permit lends [first, last] to the consumer.
func (g *PortGrants) Permit(first, last uint64) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.ranges = append(g.ranges, PortRange{First: first, Last: last})
}

// DenyAccess removes [first, last] from every granted range, splitting
// ranges that straddle it.
func (g *PortGrants) DenyAccess(first, last uint64) error {
	if last < first {
		return fmt.Errorf("PortGrants: invalid range 0x%x-0x%x", first, last)
	}
	g.lock.Lock()
	defer g.lock.Unlock()

	kept := g.ranges[:0]
	var split []PortRange
	for _, r := range g.ranges {
		if r.Last < first || r.First > last {
			kept = append(kept, r)
			continue
		}
		if r.First < first {
			split = append(split, PortRange{First: r.First, Last: first - 1})
		}
		if r.Last > last {
			split = append(split, PortRange{First: last + 1, Last: r.Last})
		}
	}
	g.ranges = append(kept, split...)
	log.Printf("PortGrants: revoked ports 0x%x-0x%x", first, last)
	return nil
}

// Allowed reports whether port is inside a granted range.
func (g *PortGrants) Allowed(port uint64) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	for _, r := range g.ranges {
		if port >= r.First && port <= r.Last {
			return true
		}
	}
	return false
}
