package core_engine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/v-console/core_engine"
	"example.com/v-console/core_engine/devices"
	"example.com/v-console/core_engine/ns16550"
)

// syncBuffer collects UART output written from the interrupt goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bootMachine(t *testing.T, cfg core_engine.MachineConfig) *core_engine.Machine {
	t.Helper()
	m, err := core_engine.NewMachine(cfg)
	if err != nil {
		t.Fatalf("Failed to create Machine: %v", err)
	}
	if err := m.Boot(); err != nil {
		m.Close()
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMachine_BootAndEcho(t *testing.T) {
	out := &syncBuffer{}
	cfg := core_engine.MachineConfig{Output: out}
	cfg.Ports[0] = "38400,8n1"
	m := bootMachine(t, cfg)

	if div := m.Device(0).Divisor(); div != 3 {
		t.Errorf("Expected divisor 3 for 38400 baud, got %d", div)
	}
	if m.Port(1) != nil {
		t.Error("Expected slot 1 to stay unregistered without a configuration")
	}

	p := m.Port(0)
	if _, err := p.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitFor(t, "console output", func() bool { return strings.Contains(out.String(), "hello\n") })

	if n, err := m.Send(0, []byte("x")); err != nil || n != 1 {
		t.Fatalf("Expected 1 byte sent, got %d (%v)", n, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	buf := make([]byte, 4)
	n, err := p.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "x" {
		t.Fatalf("Expected to read %q, got %q (%v)", "x", buf[:n], err)
	}

	waitFor(t, "the first interrupt", m.UART(0).IntrWorks)
}

func TestMachine_AutoBaudKeepsFirmwareDivisor(t *testing.T) {
	cfg := core_engine.MachineConfig{FirmwareDivisor: 12}
	m := bootMachine(t, cfg)

	if baud := m.UART(0).Baud; baud != 9600 {
		t.Errorf("Expected the console slot to detect 9600 baud, got %d", baud)
	}
	if div := m.Device(0).Divisor(); div != 12 {
		t.Errorf("Expected divisor 12 left untouched, got %d", div)
	}
}

func TestMachine_PollingWithVirtualTime(t *testing.T) {
	cfg := core_engine.MachineConfig{VirtualTime: true}
	cfg.Ports[0] = "38400,8n1,0x3f8,0"
	m := bootMachine(t, cfg)

	u := m.UART(0)
	if u.IRQNumber() != -1 {
		t.Errorf("Expected a polled UART, got irq %d", u.IRQNumber())
	}
	p := m.Port(0)
	m.Send(0, []byte("p"))
	if p.Async() {
		t.Fatal("Expected the port synchronous before the first poll")
	}

	if fired := m.Advance(time.Duration(u.TimeoutMS) * time.Millisecond); fired == 0 {
		t.Fatal("Expected the poll timer to run")
	}
	if !p.Async() {
		t.Error("Expected the poll to drive the port callbacks")
	}
	if c, ok := p.ReadByte(); !ok || c != 'p' {
		t.Errorf("Expected 'p' delivered by the poll, got %q (%v)", c, ok)
	}
	if u.IntrWorks() {
		t.Error("Expected no interrupt on a polled UART")
	}
}

func TestMachine_ResumeRetriesAgainstLateDevice(t *testing.T) {
	cfg := core_engine.MachineConfig{VirtualTime: true}
	cfg.Ports[0] = "57600,8n1,0x3f8,0"
	m := bootMachine(t, cfg)
	dev := m.Device(0)

	if dev.Divisor() != 2 {
		t.Fatalf("Expected divisor 2, got %d", dev.Divisor())
	}
	m.Suspend()
	if dev.Powered() {
		t.Fatal("Expected the UART powered off while suspended")
	}

	// The UART answers on its fourth register read: the presence check at
	// Resume and two retries see nothing, the third retry reprograms it.
	m.Resume(3)
	m.Advance(ns16550.DEFAULT_RESUME_DELAY)
	if dev.Powered() {
		t.Fatal("Expected the UART still absent after the first retry")
	}
	m.Advance(ns16550.DEFAULT_RESUME_DELAY)
	if !dev.Powered() || dev.Divisor() != 1 {
		t.Fatalf("Expected the UART back in its reset state, got powered %v divisor %d", dev.Powered(), dev.Divisor())
	}
	m.Advance(ns16550.DEFAULT_RESUME_DELAY)
	if dev.Divisor() != 2 || dev.LineControl() != 0x03 {
		t.Errorf("Expected the line reprogrammed to divisor 2 and LCR 0x03, got %d and 0x%02x", dev.Divisor(), dev.LineControl())
	}

	// Polling resumes with the line.
	m.Send(0, []byte("r"))
	m.Advance(time.Duration(m.UART(0).TimeoutMS) * time.Millisecond)
	if c, ok := m.Port(0).ReadByte(); !ok || c != 'r' {
		t.Errorf("Expected 'r' after resume, got %q (%v)", c, ok)
	}
}

func TestMachine_DTConsole(t *testing.T) {
	out := &syncBuffer{}
	cfg := core_engine.MachineConfig{DTUART: true, FirmwareDivisor: 12, Output: out}
	m := bootMachine(t, cfg)

	u := m.UART(0)
	if u.Attachment() != "dt" || !u.Remapped() {
		t.Fatalf("Expected a remapped dt UART, got %s (remapped %v)", u.Attachment(), u.Remapped())
	}
	// Reading the divisor needs DLAB, which a busy controller refuses
	// until USR has been read.
	if u.Baud != 9600 {
		t.Errorf("Expected 9600 baud read back, got %d", u.Baud)
	}
	if vu := u.VUART(); vu.StatusOff != 5<<core_engine.MMIO_UART_SHIFT {
		t.Errorf("Expected status register at 0x%x, got 0x%x", 5<<core_engine.MMIO_UART_SHIFT, vu.StatusOff)
	}

	m.Port(0).Write([]byte("dt"))
	waitFor(t, "dt console output", func() bool { return out.String() == "dt" })

	data := make([]byte, 1)
	if err := m.HandleMMIO(core_engine.MMIO_UART_BASE+5<<core_engine.MMIO_UART_SHIFT, data, false); err != nil {
		t.Fatalf("HandleMMIO failed: %v", err)
	}
	if data[0]&devices.LSR_THRE == 0 {
		t.Errorf("Expected THRE in LSR, got 0x%02x", data[0])
	}
	if err := m.HandleMMIO(0xfe100000, data, false); err == nil || data[0] != 0xFF {
		t.Errorf("Expected an unhandled access reading 0xFF, got 0x%02x (%v)", data[0], err)
	}
}

func TestMachine_PCICard(t *testing.T) {
	out := &syncBuffer{}
	cfg := core_engine.MachineConfig{PCICard: true, VirtualTime: true, Output: out}
	cfg.Ports[0] = "38400,8n1,pci"
	cfg.Ports[1] = "38400,8n1,pci"
	m := bootMachine(t, cfg)

	a, b := m.UART(0), m.UART(1)
	if a == nil || b == nil {
		t.Fatal("Expected both card ports registered")
	}
	if a.IOBase != uint64(core_engine.PCI_CARD_BAR0) || b.IOBase != uint64(core_engine.PCI_CARD_BAR1) {
		t.Errorf("Expected one BAR per slot, got 0x%x and 0x%x", a.IOBase, b.IOBase)
	}
	if a.IRQ != int(devices.PCI_SERIAL_IRQ) || b.IRQ != int(devices.PCI_SERIAL_IRQ) {
		t.Errorf("Expected the card interrupt line on both, got %d and %d", a.IRQ, b.IRQ)
	}
	if !m.PCI().Hidden(core_engine.PCICardBDF) {
		t.Error("Expected the card hidden from the control domain")
	}

	// The line is not shared, so the second port polls.
	m.Send(1, []byte("2"))
	m.Advance(time.Duration(b.TimeoutMS) * time.Millisecond)
	if c, ok := m.Port(1).ReadByte(); !ok || c != '2' {
		t.Errorf("Expected '2' polled from the second port, got %q (%v)", c, ok)
	}

	m.Suspend()
	m.Resume(0)
	bar := m.PCI().Read32(core_engine.PCICardBDF, 0x10)
	if bar&^3 != core_engine.PCI_CARD_BAR0 {
		t.Errorf("Expected BAR0 restored to 0x%x, got 0x%08x", core_engine.PCI_CARD_BAR0, bar)
	}
	if div := m.Device(0).Divisor(); div != 3 {
		t.Errorf("Expected the card port reprogrammed after resume, got divisor %d", div)
	}
}

func TestMachine_UnplugReportsIO(t *testing.T) {
	out := &syncBuffer{}
	cfg := core_engine.MachineConfig{VirtualTime: true, Output: out}
	cfg.Ports[0] = "38400,8n1,0x3f8,0"
	m := bootMachine(t, cfg)
	p := m.Port(0)

	if err := m.Unplug(0); err != nil {
		t.Fatalf("Unplug failed: %v", err)
	}
	if _, err := p.Write([]byte("lost")); !errors.Is(err, ns16550.ErrIO) {
		t.Errorf("Expected ErrIO from a vanished UART, got %v", err)
	}
	if out.String() != "" {
		t.Errorf("Expected no output while unplugged, got %q", out.String())
	}

	if err := m.Replug(0); err != nil {
		t.Fatalf("Replug failed: %v", err)
	}
	if _, err := p.Write([]byte("back")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if out.String() != "back" {
		t.Errorf("Expected %q, got %q", "back", out.String())
	}
	if err := m.Unplug(3); err == nil {
		t.Error("Expected an error for an empty slot")
	}
}

func TestMachine_HandleIOGrants(t *testing.T) {
	m, err := core_engine.NewMachine(core_engine.MachineConfig{VirtualTime: true})
	if err != nil {
		t.Fatalf("Failed to create Machine: %v", err)
	}
	defer m.Close()

	data := []byte{0}
	if err := m.HandleIO(0x3fb, data, devices.IODirectionIn, 1, 1); err != nil {
		t.Fatalf("Expected COM1 accessible before boot, got %v", err)
	}
	if data[0] != 0x03 {
		t.Errorf("Expected LCR 0x03, got 0x%02x", data[0])
	}
	if err := m.HandleIO(0x80, data, devices.IODirectionOut, 1, 1); err == nil {
		t.Error("Expected an ungranted port to be refused")
	}

	if err := m.Boot(); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if err := m.HandleIO(0x3f8, data, devices.IODirectionOut, 1, 1); err == nil {
		t.Error("Expected the console ports revoked after boot")
	}
	if !m.PortAllowed(0x2ff) {
		t.Error("Expected COM2 still lent to the control domain")
	}
	if err := m.Boot(); err == nil {
		t.Error("Expected a second Boot to fail")
	}
}
