package ns16550

import (
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/v-console/core_engine/hal"
	"example.com/v-console/core_engine/serial"
)

type access struct {
	write bool
	reg   int
	val   byte
}

// MockBank is a scripted 16550 register bank. Reads of a register with a
// queued script value return that value; otherwise the stored register.
type MockBank struct {
	mu sync.Mutex

	base     uint16
	regs     [0x20]byte
	dll, dlm byte
	fcr      byte
	thr      []byte
	script   map[int][]byte
	frozen   map[int]bool
	log      []access
}

func NewMockBank(base uint16) *MockBank {
	m := &MockBank{base: base, script: map[int][]byte{}, frozen: map[int]bool{}}
	m.regs[UART_LSR] = UART_LSR_THRE | UART_LSR_TEMT
	m.regs[UART_IIR] = UART_IIR_NOINT
	m.regs[UART_MSR] = loopbackSignature
	return m
}

func (m *MockBank) dlab() bool {
	return m.regs[UART_LCR]&UART_LCR_DLAB != 0
}

func (m *MockBank) read(reg int) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v byte
	switch {
	case reg < 0 || reg >= len(m.regs):
		v = 0xff
	case len(m.script[reg]) > 0:
		v = m.script[reg][0]
		m.script[reg] = m.script[reg][1:]
	case m.dlab() && reg == UART_DLL:
		v = m.dll
	case m.dlab() && reg == UART_DLM:
		v = m.dlm
	default:
		v = m.regs[reg]
	}
	m.log = append(m.log, access{reg: reg, val: v})
	return v
}

func (m *MockBank) write(reg int, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, access{write: true, reg: reg, val: v})
	switch {
	case reg < 0 || reg >= len(m.regs) || m.frozen[reg]:
	case m.dlab() && reg == UART_DLL:
		m.dll = v
	case m.dlab() && reg == UART_DLM:
		m.dlm = v
	case reg == UART_FCR:
		m.fcr = v
	case reg == UART_THR:
		m.thr = append(m.thr, v)
	default:
		m.regs[reg] = v
	}
}

func (m *MockBank) InB(port uint16) byte       { return m.read(int(port) - int(m.base)) }
func (m *MockBank) OutB(port uint16, val byte) { m.write(int(port)-int(m.base), val) }

// Queue scripts the next reads of reg.
func (m *MockBank) Queue(reg int, vals ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[reg] = append(m.script[reg], vals...)
}

func (m *MockBank) Set(reg int, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg] = v
}

func (m *MockBank) Reg(reg int) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[reg]
}

// Log returns the accesses since the last ResetLog.
func (m *MockBank) Log() []access {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]access(nil), m.log...)
}

func (m *MockBank) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
}

func (m *MockBank) Writes(reg int) []byte {
	var out []byte
	for _, a := range m.Log() {
		if a.write && a.reg == reg {
			out = append(out, a.val)
		}
	}
	return out
}

func (m *MockBank) Reads(reg int) int {
	n := 0
	for _, a := range m.Log() {
		if !a.write && a.reg == reg {
			n++
		}
	}
	return n
}

// MockRegion exposes a MockBank as memory-mapped registers.
type MockRegion struct {
	bank   *MockBank
	shift  uint
	widths []int
}

func (r *MockRegion) Read8(off uint64) uint8 {
	r.widths = append(r.widths, 1)
	return r.bank.read(int(off >> r.shift))
}

func (r *MockRegion) Write8(off uint64, val uint8) {
	r.widths = append(r.widths, 1)
	r.bank.write(int(off>>r.shift), val)
}

func (r *MockRegion) Read32(off uint64) uint32 {
	r.widths = append(r.widths, 4)
	return uint32(r.bank.read(int(off >> r.shift)))
}

func (r *MockRegion) Write32(off uint64, val uint32) {
	r.widths = append(r.widths, 4)
	r.bank.write(int(off>>r.shift), byte(val))
}

// MockMapper hands out one region.
type MockMapper struct {
	Region hal.Region
	Err    error
	Calls  []uint64
}

func (m *MockMapper) Map(phys uint64, size uint32) (hal.Region, error) {
	m.Calls = append(m.Calls, phys)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Region, nil
}

// MockTimer is fired by hand.
type MockTimer struct {
	fn    func()
	armed bool
	last  time.Duration
	sets  int
	stops int

	// OnSet runs at the start of Set.
	OnSet func()
}

func (t *MockTimer) Set(d time.Duration) {
	if t.OnSet != nil {
		t.OnSet()
	}
	t.armed = true
	t.last = d
	t.sets++
}

func (t *MockTimer) Stop() {
	t.armed = false
	t.stops++
}

// Fire runs the callback if armed.
func (t *MockTimer) Fire() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	t.fn()
	return true
}

type MockTimers struct {
	Timers []*MockTimer
}

func (m *MockTimers) NewTimer(fn func()) hal.Timer {
	t := &MockTimer{fn: fn}
	m.Timers = append(m.Timers, t)
	return t
}

// MockIRQ records installed handlers.
type MockIRQ struct {
	Err      error
	Handlers map[int]func()
}

func (m *MockIRQ) SetupIRQ(irq int, name string, handler func()) error {
	if m.Err != nil {
		return m.Err
	}
	if m.Handlers == nil {
		m.Handlers = map[int]func(){}
	}
	m.Handlers[irq] = handler
	return nil
}

// MockSink counts callbacks.
type MockSink struct {
	Tx, Rx int
	OnRx   func()
}

func (s *MockSink) TxInterrupt() { s.Tx++ }
func (s *MockSink) RxInterrupt() {
	s.Rx++
	if s.OnRx != nil {
		s.OnRx()
	}
}

var errMockIRQ = errors.New("mock: no vector available")

type testRig struct {
	bank    *MockBank
	timers  *MockTimers
	irq     *MockIRQ
	grants  *hal.PortGrants
	console *serial.Registry
	driver  *Driver
}

func newRig(base uint16) *testRig {
	r := &testRig{
		bank:    NewMockBank(base),
		timers:  &MockTimers{},
		irq:     &MockIRQ{},
		grants:  &hal.PortGrants{},
		console: &serial.Registry{},
	}
	r.driver = NewDriver(hal.Capabilities{
		Ports:  r.bank,
		IRQ:    r.irq,
		Timers: r.timers,
		Grants: r.grants,
	}, Options{}, r.console)
	return r
}

// boot registers slot 0 from conf and runs both setup phases.
func (r *testRig) boot(t *testing.T, conf string) *UART {
	t.Helper()
	u, err := r.driver.Init(0, LegacyDefaults(0), false, conf)
	if err != nil {
		t.Fatalf("Init(%q) failed: %v", conf, err)
	}
	u.InitPreIRQ()
	u.InitPostIRQ()
	return u
}

// pollTimer returns the timer created by InitPostIRQ.
func (r *testRig) pollTimer(t *testing.T) *MockTimer {
	t.Helper()
	if len(r.timers.Timers) == 0 {
		t.Fatal("no poll timer was created")
	}
	return r.timers.Timers[0]
}
