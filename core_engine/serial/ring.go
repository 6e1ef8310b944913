package serial

// ringSize must be a power of two.
const ringSize = 4096

// ring is a byte FIFO. Callers hold the port lock.
type ring struct {
	buf  [ringSize]byte
	head uint32
	tail uint32
}

func (r *ring) used() int {
	return int(r.head - r.tail)
}

func (r *ring) free() int {
	return ringSize - r.used()
}

// put stores b, or returns false if the ring is full.
func (r *ring) put(b byte) bool {
	if r.used() == ringSize {
		return false
	}
	r.buf[r.head%ringSize] = b
	r.head++
	return true
}

func (r *ring) get() (byte, bool) {
	if r.used() == 0 {
		return 0, false
	}
	b := r.buf[r.tail%ringSize]
	r.tail++
	return b, true
}

func (r *ring) clear() {
	r.head, r.tail = 0, 0
}
